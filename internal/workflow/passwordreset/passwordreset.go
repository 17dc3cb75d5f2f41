// Package passwordreset is the forgot-password workflow: email, one-time
// code, new password.
package passwordreset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
)

// Steps.
const (
	AwaitingEmail workflow.Step = iota
	AwaitingOtp
	AwaitingNewPassword
	Done
)

// Definition of the password-reset workflow.
var Definition = workflow.Definition{
	Name:  "password-reset",
	Steps: []string{"AwaitingEmail", "AwaitingOtp", "AwaitingNewPassword", "Done"},
}

// Input keys.
const (
	KeyEmail       = "email"
	KeyOTP         = "otp"
	KeyNewPassword = "newPassword"
	KeyConfirm     = "confirm"
)

// User-facing messages.
const (
	MsgEmailRequired    = "Please enter your email address"
	MsgOTPShape         = "Please enter a valid 6-digit OTP"
	MsgMismatch         = "Passwords do not match"
	MsgTooShort         = "Password must be at least 6 characters long"
	MsgUnchanged        = "New password cannot be the same as the old password. Please choose a different password."
	MsgInvalidOTP       = "Invalid OTP"
	MsgExpiredOTP       = "OTP has expired. Please request a new one."
	MsgResendNotAllowed = "A new code can only be requested while waiting for one"
)

// Business error kinds for OTP verification.
const (
	KindOTPInvalid = "otp-invalid"
	KindOTPExpired = "otp-expired"
	KindUnchanged  = "password-unchanged"
)

const (
	minPasswordLen  = 6
	defaultCooldown = 60 * time.Second
)

var otpPattern = regexp.MustCompile(`^[0-9]{6}$`)

// Backend is the reset API.
type Backend interface {
	SendOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, email, otp string) error
	ResetPassword(ctx context.Context, email, otp, newPassword string) error
}

// PasswordUnchangedCheck reports whether password equals the account's
// current password.
type PasswordUnchangedCheck interface {
	Unchanged(ctx context.Context, email, password string) (bool, error)
}

// OTPInvalidator removes the server-side code record after a reset.
type OTPInvalidator interface {
	Invalidate(ctx context.Context, email string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Option configures a Flow.
type Option func(*Flow)

// WithUnchangedCheck sets the same-password check. Without one the check is skipped.
func WithUnchangedCheck(c PasswordUnchangedCheck) Option { return func(f *Flow) { f.check = c } }

// WithInvalidator sets the OTP record invalidator.
func WithInvalidator(i OTPInvalidator) Option { return func(f *Flow) { f.invalidator = i } }

// WithClock sets the clock used for the resend cooldown.
func WithClock(c Clock) Option { return func(f *Flow) { f.clock = c } }

// WithCooldown sets the resend cooldown.
func WithCooldown(d time.Duration) Option { return func(f *Flow) { f.cooldown = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(f *Flow) { f.logger = l } }

// WithMachineOptions passes options to the underlying machine.
func WithMachineOptions(opts ...workflow.Option) Option {
	return func(f *Flow) { f.machineOpts = append(f.machineOpts, opts...) }
}

// Flow is one password-reset workflow instance.
type Flow struct {
	*workflow.Machine

	backend     Backend
	check       PasswordUnchangedCheck
	invalidator OTPInvalidator
	clock       Clock
	cooldown    time.Duration
	logger      *slog.Logger
	machineOpts []workflow.Option

	resendMu sync.Mutex
	mu       sync.Mutex
	lastSent time.Time
}

// New creates a password-reset Flow.
func New(b Backend, opts ...Option) *Flow {
	f := &Flow{
		backend:  b,
		clock:    realClock{},
		cooldown: defaultCooldown,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	f.Machine = workflow.New(Definition, append([]workflow.Option{workflow.WithLogger(f.logger)}, f.machineOpts...)...)
	f.Handle(AwaitingEmail, f.submitEmail)
	f.Handle(AwaitingOtp, f.submitOTP)
	f.Handle(AwaitingNewPassword, f.submitNewPassword)
	f.OnReset(f.clearCooldown)
	return f
}

func (f *Flow) submitEmail(ctx context.Context, t *workflow.Turn, in workflow.Input) (workflow.Step, error) {
	email := strings.TrimSpace(in[KeyEmail])
	if email == "" {
		return AwaitingEmail, workflow.Invalid(KeyEmail, MsgEmailRequired)
	}
	if err := f.backend.SendOTP(ctx, email); err != nil {
		return AwaitingEmail, workflow.FromRemote("send otp", err)
	}
	f.startCooldown()
	t.Set(KeyEmail, email)
	return AwaitingOtp, nil
}

func (f *Flow) submitOTP(ctx context.Context, t *workflow.Turn, in workflow.Input) (workflow.Step, error) {
	otp := strings.TrimSpace(in[KeyOTP])
	if !otpPattern.MatchString(otp) {
		return AwaitingOtp, workflow.Invalid(KeyOTP, MsgOTPShape)
	}
	if err := f.backend.VerifyOTP(ctx, t.Get(KeyEmail), otp); err != nil {
		return AwaitingOtp, classifyOTPError(err)
	}
	t.Set(KeyOTP, otp)
	return AwaitingNewPassword, nil
}

func (f *Flow) submitNewPassword(ctx context.Context, t *workflow.Turn, in workflow.Input) (workflow.Step, error) {
	np, confirm := in[KeyNewPassword], in[KeyConfirm]
	switch {
	case np != confirm:
		return AwaitingNewPassword, workflow.Invalid(KeyConfirm, MsgMismatch)
	case len([]rune(np)) < minPasswordLen:
		return AwaitingNewPassword, workflow.Invalid(KeyNewPassword, MsgTooShort)
	}

	email := t.Get(KeyEmail)
	if f.check != nil {
		unchanged, err := f.check.Unchanged(ctx, email, np)
		if err != nil {
			return AwaitingNewPassword, workflow.FromRemote("check current password", err)
		}
		if unchanged {
			return AwaitingNewPassword, workflow.Rejected(KindUnchanged, MsgUnchanged)
		}
	}

	if err := f.backend.ResetPassword(ctx, email, t.Get(KeyOTP), np); err != nil {
		return AwaitingNewPassword, workflow.FromRemote("reset password", err)
	}

	if f.invalidator != nil {
		if err := f.invalidator.Invalidate(ctx, email); err != nil {
			f.logger.Warn("invalidating otp record failed", "error", err)
		}
	}
	return Done, nil
}

// classifyOTPError separates expired codes from wrong ones. Transport
// failures pass through.
func classifyOTPError(err error) error {
	classified := workflow.FromRemote("verify otp", err)
	var be *workflow.BusinessError
	if !errors.As(classified, &be) {
		return classified
	}
	if otpExpired(be.Kind, be.Reason) {
		return workflow.Rejected(KindOTPExpired, MsgExpiredOTP)
	}
	return workflow.Rejected(KindOTPInvalid, MsgInvalidOTP)
}

// otpExpired reports expiry from the server's code, or from a message that
// mentions expiry without also admitting the code may simply be wrong.
func otpExpired(kind, reason string) bool {
	k := strings.ToLower(kind)
	if strings.Contains(k, "expired") {
		return true
	}
	if strings.Contains(k, "invalid") {
		return false
	}
	r := strings.ToLower(reason)
	return strings.Contains(r, "expired") && !strings.Contains(r, "invalid")
}

// Resend requests a new code. It is only allowed in AwaitingOtp once the
// cooldown has elapsed, restarts the cooldown immediately and leaves the
// step unchanged.
func (f *Flow) Resend(ctx context.Context) error {
	if !f.resendMu.TryLock() {
		return workflow.ErrBusy
	}
	defer f.resendMu.Unlock()

	st := f.State()
	if st.Step != AwaitingOtp {
		return workflow.Invalid(KeyOTP, MsgResendNotAllowed)
	}
	if remaining := f.CooldownRemaining(); remaining > 0 {
		secs := int(math.Ceil(remaining.Seconds()))
		return workflow.Invalid(KeyOTP, fmt.Sprintf("Please wait %ds before requesting a new code", secs))
	}

	prev := f.startCooldown()
	if err := f.backend.SendOTP(ctx, st.Context[KeyEmail]); err != nil {
		f.restoreCooldown(prev)
		return workflow.FromRemote("resend otp", err)
	}
	f.logger.Info("otp resent")
	return nil
}

// CooldownRemaining returns how long until Resend is allowed.
func (f *Flow) CooldownRemaining() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastSent.IsZero() {
		return 0
	}
	remaining := f.lastSent.Add(f.cooldown).Sub(f.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// startCooldown restarts the cooldown and returns the previous send time.
func (f *Flow) startCooldown() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.lastSent
	f.lastSent = f.clock.Now()
	return prev
}

// restoreCooldown undoes startCooldown after a failed send.
func (f *Flow) restoreCooldown(prev time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSent = prev
}

func (f *Flow) clearCooldown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSent = time.Time{}
}
