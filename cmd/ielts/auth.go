package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/identity"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/storage"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow/passwordreset"
)

// recoverable reports whether the user can fix err by answering again.
func recoverable(err error) bool {
	switch workflow.Kind(err) {
	case "validation", "business", "transport":
		return true
	}
	return false
}

func askEmail(cmd *cobra.Command, p *prompter) (string, error) {
	email, _ := cmd.Flags().GetString("email")
	if email != "" {
		return email, nil
	}
	return p.Line("Email", "")
}

func printSession(sess storage.Session) {
	printStatus("Email", "%s", sess.Email)
	printStatus("User", "%s", sess.UID)
	printStatus("Provider", "%s", sess.Provider)
	if !sess.ExpiresAt.IsZero() {
		printStatus("Token expires", "%s", sess.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	}
}

// --- signup ---

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			if err := a.cfg.RequireIdentity(); err != nil {
				return err
			}
			p := a.prompter()
			email, err := askEmail(cmd, p)
			if err != nil {
				return err
			}
			pw, err := p.Password("Password")
			if err != nil {
				return err
			}
			confirm, err := p.Password("Confirm password")
			if err != nil {
				return err
			}
			if pw != confirm {
				return workflow.Invalid("confirm", passwordreset.MsgMismatch)
			}

			sess, err := a.identity.SignUp(cmd.Context(), strings.TrimSpace(email), pw)
			if err != nil {
				return workflow.FromRemote("sign up", err)
			}
			printSuccess("Signed up as %s", sess.Email)
			return nil
		})
	},
}

// --- login ---

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with email and password, or with Google or Facebook",
	Long: `Sign in with email and password, or with Google or Facebook.

Examples:
  ielts login --email teacher@example.com
  ielts login --provider google`,
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")
		return withApp(func(a *app) error {
			if err := a.cfg.RequireIdentity(); err != nil {
				return err
			}

			var (
				sess storage.Session
				err  error
			)
			if provider != "" {
				sess, err = loginWithProvider(cmd.Context(), a, provider)
			} else {
				p := a.prompter()
				var email, pw string
				if email, err = askEmail(cmd, p); err != nil {
					return err
				}
				if pw, err = p.Password("Password"); err != nil {
					return err
				}
				sess, err = a.identity.SignIn(cmd.Context(), strings.TrimSpace(email), pw)
			}
			if err != nil {
				return workflow.FromRemote("sign in", err)
			}
			printSuccess("Signed in as %s", sess.Email)
			return nil
		})
	},
}

func loginWithProvider(ctx context.Context, a *app, provider string) (storage.Session, error) {
	enabled := a.identity.Providers()
	for _, p := range enabled {
		if p == provider {
			printStep("Opening the %s sign-in page in your browser...", provider)
			return a.identity.SignInWithProvider(ctx, provider)
		}
	}
	if len(enabled) == 0 {
		return storage.Session{}, fmt.Errorf("no sign-in providers configured; set identity.%s_client_id", provider)
	}
	return storage.Session{}, fmt.Errorf("unknown provider %q (configured: %s)", provider, strings.Join(enabled, ", "))
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			if err := a.identity.SignOut(); err != nil {
				return err
			}
			printSuccess("Signed out")
			return nil
		})
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			sess, err := a.identity.Current()
			if errors.Is(err, identity.ErrNotSignedIn) {
				printWarning("Not signed in. Run `ielts login`.")
				return nil
			}
			if err != nil {
				return err
			}
			printSession(sess)
			return nil
		})
	},
}

// --- reset-password ---

var resetPasswordCmd = &cobra.Command{
	Use:   "reset-password",
	Short: "Reset a forgotten password with a one-time code sent by email",
	Long: `Reset a forgotten password with a one-time code sent by email.

At the code prompt, answer "resend" to request a new code.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			return runPasswordReset(cmd, a)
		})
	},
}

func newResetFlow(a *app) *passwordreset.Flow {
	opts := []passwordreset.Option{
		passwordreset.WithCooldown(a.cfg.OTP.ResendCooldown),
		passwordreset.WithLogger(a.logger),
		passwordreset.WithMachineOptions(a.machineOptions()...),
	}
	if a.cfg.Identity.APIKey != "" {
		opts = append(opts, passwordreset.WithUnchangedCheck(identity.NewProbeCheck(a.identity)))
	} else {
		a.logger.Warn("identity API key not set, skipping the same-password check")
	}
	if a.cfg.Identity.ProjectID != "" {
		opts = append(opts, passwordreset.WithInvalidator(
			identity.NewOTPRecords(a.cfg.Identity.FirestoreURL, a.cfg.Identity.ProjectID, a.cfg.Identity.APIKey, a.logger)))
	}
	return passwordreset.New(a.backend, opts...)
}

func runPasswordReset(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	p := a.prompter()
	flow := newResetFlow(a)
	flow.Start(nil)
	defer flow.Reset()

	if email, _ := cmd.Flags().GetString("email"); email != "" {
		if err := flow.Submit(ctx, workflow.Input{passwordreset.KeyEmail: email}); err != nil && !recoverable(err) {
			return err
		} else if err != nil {
			printError("%s", workflow.Describe(err))
		}
	}

	for !flow.IsTerminal() {
		var (
			in  workflow.Input
			err error
		)
		switch flow.Step() {
		case passwordreset.AwaitingEmail:
			var email string
			if email, err = p.Line("Email", ""); err != nil {
				return err
			}
			in = workflow.Input{passwordreset.KeyEmail: email}
		case passwordreset.AwaitingOtp:
			var otp string
			if otp, err = p.Line("Code from the email (or \"resend\")", ""); err != nil {
				return err
			}
			if strings.EqualFold(otp, "resend") {
				if err := flow.Resend(ctx); err != nil {
					printError("%s", workflow.Describe(err))
				} else {
					printSuccess("A new code was sent")
				}
				continue
			}
			in = workflow.Input{passwordreset.KeyOTP: otp}
		case passwordreset.AwaitingNewPassword:
			var np, confirm string
			if np, err = p.Password("New password"); err != nil {
				return err
			}
			if confirm, err = p.Password("Confirm new password"); err != nil {
				return err
			}
			in = workflow.Input{passwordreset.KeyNewPassword: np, passwordreset.KeyConfirm: confirm}
		}

		if err := flow.Submit(ctx, in); err != nil {
			if !recoverable(err) {
				return err
			}
			printError("%s", workflow.Describe(err))
			continue
		}
		if flow.Step() == passwordreset.AwaitingOtp {
			printSuccess("A code was sent to %s", flow.State().Context[passwordreset.KeyEmail])
		}
	}

	printSuccess("Password updated. You can now sign in with your new password.")
	return nil
}

func init() {
	signupCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("provider", "", "sign in with google or facebook instead of a password")
	resetPasswordCmd.Flags().String("email", "", "account email")
}
