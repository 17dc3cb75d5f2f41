package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"
	"golang.org/x/oauth2/google"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/api"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/storage"
)

// Supported OAuth providers.
const (
	ProviderGoogle   = "google"
	ProviderFacebook = "facebook"
)

var providerIDs = map[string]string{
	ProviderGoogle:   "google.com",
	ProviderFacebook: "facebook.com",
}

// WithProvider enables OAuth sign-in with provider ("google" or "facebook").
// Providers without a client id are ignored.
func WithProvider(provider, clientID, clientSecret string) Option {
	return func(c *Client) {
		if clientID == "" {
			return
		}
		cfg := &oauth2.Config{ClientID: clientID, ClientSecret: clientSecret}
		switch provider {
		case ProviderGoogle:
			cfg.Endpoint = google.Endpoint
			cfg.Scopes = []string{"openid", "email", "profile"}
		case ProviderFacebook:
			cfg.Endpoint = facebook.Endpoint
			cfg.Scopes = []string{"email", "public_profile"}
		default:
			return
		}
		c.providers[provider] = cfg
	}
}

// WithProviderEndpoint overrides a provider's OAuth endpoint.
func WithProviderEndpoint(provider string, ep oauth2.Endpoint) Option {
	return func(c *Client) {
		if cfg, ok := c.providers[provider]; ok {
			cfg.Endpoint = ep
		}
	}
}

// Providers lists the configured OAuth providers.
func (c *Client) Providers() []string {
	var out []string
	for _, p := range []string{ProviderGoogle, ProviderFacebook} {
		if _, ok := c.providers[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// SignInWithProvider runs the OAuth authorization code flow through a
// loopback redirect on 127.0.0.1 and exchanges the provider credential
// with the identity provider. Cancelling ctx or denying consent yields a
// popup-closed-by-user error.
func (c *Client) SignInWithProvider(ctx context.Context, provider string) (storage.Session, error) {
	base, ok := c.providers[provider]
	if !ok {
		return storage.Session{}, fmt.Errorf("provider %q is not configured", provider)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return storage.Session{}, fmt.Errorf("starting callback listener: %w", err)
	}
	redirect := fmt.Sprintf("http://%s%s", ln.Addr().String(), api.CallbackPath)

	state := uuid.NewString()
	handler := api.NewCallbackHandler(state)
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Warn("callback server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	cfg := *base
	cfg.RedirectURL = redirect
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOnline)
	if err := c.opener(authURL); err != nil {
		c.logger.Warn("could not open browser", "error", err)
	}

	var res api.CallbackResult
	select {
	case <-ctx.Done():
		return storage.Session{}, newError(CodePopupClosed)
	case res = <-handler.Results():
	}
	if res.Error != "" {
		c.logger.Info("oauth consent not granted", "provider", provider, "reason", res.Error)
		return storage.Session{}, newError(CodePopupClosed)
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := cfg.Exchange(exchangeCtx, res.Code)
	if err != nil {
		return storage.Session{}, fmt.Errorf("exchanging authorization code: %w", err)
	}

	postBody := url.Values{"providerId": {providerIDs[provider]}}
	if idTok, ok := tok.Extra("id_token").(string); ok && idTok != "" {
		postBody.Set("id_token", idTok)
	} else {
		postBody.Set("access_token", tok.AccessToken)
	}

	var out authResponse
	if err := c.call(ctx, "accounts:signInWithIdp", map[string]any{
		"postBody":            postBody.Encode(),
		"requestUri":          redirect,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &out); err != nil {
		return storage.Session{}, err
	}
	if out.NeedConfirmation {
		return storage.Session{}, newError(CodeDifferentCred)
	}
	if out.ErrorMessage != "" {
		return storage.Session{}, mapProviderError(out.ErrorMessage)
	}
	return c.establish(ctx, out, provider)
}
