package passwordreset

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/backend"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/logging"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
)

type mockBackend struct {
	mu        sync.Mutex
	calls     []string
	sendErr   error
	verifyErr error
	resetErr  error
	lastReset [3]string
}

func (m *mockBackend) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockBackend) SendOTP(ctx context.Context, email string) error {
	m.record("send:" + email)
	return m.sendErr
}

func (m *mockBackend) VerifyOTP(ctx context.Context, email, otp string) error {
	m.record("verify:" + email + ":" + otp)
	return m.verifyErr
}

func (m *mockBackend) ResetPassword(ctx context.Context, email, otp, np string) error {
	m.record("reset:" + email)
	m.lastReset = [3]string{email, otp, np}
	return m.resetErr
}

func (m *mockBackend) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubCheck struct {
	unchanged bool
	err       error
	calls     int
}

func (s *stubCheck) Unchanged(ctx context.Context, email, password string) (bool, error) {
	s.calls++
	return s.unchanged, s.err
}

type stubInvalidator struct {
	emails []string
	err    error
}

func (s *stubInvalidator) Invalidate(ctx context.Context, email string) error {
	s.emails = append(s.emails, email)
	return s.err
}

func newFlow(b Backend, opts ...Option) (*Flow, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk), WithLogger(logging.NewNop())}, opts...)
	f := New(b, opts...)
	f.Start(nil)
	return f, clk
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var be *workflow.BusinessError
	if errors.As(err, &be) {
		return be.Reason
	}
	var ve *workflow.ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	t.Fatalf("error %v is neither business nor validation", err)
	return ""
}

func TestRoundTripReachesDone(t *testing.T) {
	b := &mockBackend{}
	inv := &stubInvalidator{}
	check := &stubCheck{}
	f, _ := newFlow(b, WithInvalidator(inv), WithUnchangedCheck(check))
	ctx := context.Background()

	require.NoError(t, f.Submit(ctx, workflow.Input{KeyEmail: "a@b.com"}))
	assert.Equal(t, "a@b.com", f.State().Context[KeyEmail])

	require.NoError(t, f.Submit(ctx, workflow.Input{KeyOTP: "123456"}))
	assert.Equal(t, "a@b.com", f.State().Context[KeyEmail])

	require.NoError(t, f.Submit(ctx, workflow.Input{KeyNewPassword: "secret1", KeyConfirm: "secret1"}))
	assert.True(t, f.IsTerminal())
	assert.Equal(t, "a@b.com", f.State().Context[KeyEmail])
	assert.Equal(t, [3]string{"a@b.com", "123456", "secret1"}, b.lastReset)
	assert.Equal(t, []string{"a@b.com"}, inv.emails)
	assert.Equal(t, 1, check.calls)
}

func TestValidationNeverReachesNetwork(t *testing.T) {
	ctx := context.Background()

	t.Run("empty email", func(t *testing.T) {
		b := &mockBackend{}
		f, _ := newFlow(b)
		err := f.Submit(ctx, workflow.Input{KeyEmail: "   "})
		assert.Equal(t, MsgEmailRequired, reasonOf(t, err))
		assert.Zero(t, b.callCount())
		assert.Equal(t, AwaitingEmail, f.Step())
	})

	t.Run("otp shape", func(t *testing.T) {
		for _, otp := range []string{"", "12345", "1234567", "12a456"} {
			b := &mockBackend{}
			f, _ := newFlow(b)
			require.NoError(t, f.Submit(ctx, workflow.Input{KeyEmail: "a@b.com"}))
			err := f.Submit(ctx, workflow.Input{KeyOTP: otp})
			assert.Equal(t, MsgOTPShape, reasonOf(t, err), "otp %q", otp)
			assert.Equal(t, 1, b.callCount(), "only the send call for otp %q", otp)
			assert.Equal(t, AwaitingOtp, f.Step())
		}
	})

	t.Run("passwords", func(t *testing.T) {
		cases := map[[2]string]string{
			{"secret1", "secret2"}: MsgMismatch,
			{"abc", "abc"}:         MsgTooShort,
			{"", ""}:               MsgTooShort,
		}
		for in, want := range cases {
			b := &mockBackend{}
			f, _ := newFlow(b)
			require.NoError(t, f.Submit(ctx, workflow.Input{KeyEmail: "a@b.com"}))
			require.NoError(t, f.Submit(ctx, workflow.Input{KeyOTP: "123456"}))
			err := f.Submit(ctx, workflow.Input{KeyNewPassword: in[0], KeyConfirm: in[1]})
			assert.Equal(t, want, reasonOf(t, err))
			assert.Equal(t, 2, b.callCount())
			assert.Equal(t, AwaitingNewPassword, f.Step())
		}
	})
}

func TestInvalidOTPStaysAwaitingOtp(t *testing.T) {
	b := &mockBackend{verifyErr: &backend.APIError{Status: 400, Message: "Invalid or expired OTP"}}
	f, _ := newFlow(b)
	ctx := context.Background()
	require.NoError(t, f.Submit(ctx, workflow.Input{KeyEmail: "a@b.com"}))

	err := f.Submit(ctx, workflow.Input{KeyOTP: "000000"})
	var be *workflow.BusinessError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindOTPInvalid, be.Kind)
	assert.Equal(t, MsgInvalidOTP, be.Reason)
	assert.Equal(t, AwaitingOtp, f.Step())
}

func TestExpiredOTPIsDistinct(t *testing.T) {
	cases := []error{
		&backend.APIError{Status: 400, Message: "OTP expired"},
		&backend.APIError{Status: 400, Message: "Code is no longer valid", Code: "otp_expired"},
	}
	for _, verifyErr := range cases {
		b := &mockBackend{verifyErr: verifyErr}
		f, clk := newFlow(b)
		ctx := context.Background()
		require.NoError(t, f.Submit(ctx, workflow.Input{KeyEmail: "a@b.com"}))

		err := f.Submit(ctx, workflow.Input{KeyOTP: "123456"})
		var be *workflow.BusinessError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, KindOTPExpired, be.Kind)
		assert.Equal(t, MsgExpiredOTP, be.Reason)
		assert.Equal(t, AwaitingOtp, f.Step())

		clk.Advance(61 * time.Second)
		require.NoError(t, f.Resend(ctx))
		assert.Equal(t, 60*time.Second, f.CooldownRemaining(), "cooldown restarts at 60s")
		assert.Equal(t, AwaitingOtp, f.Step())

		err = f.Resend(ctx)
		assert.Equal(t, "Please wait 60s before requesting a new code", reasonOf(t, err))
	}
}

func TestResendCooldown(t *testing.T) {
	b := &mockBackend{}
	f, clk := newFlow(b)
	ctx := context.Background()

	assert.Equal(t, MsgResendNotAllowed, reasonOf(t, f.Resend(ctx)), "not available before the code is sent")

	require.NoError(t, f.Submit(ctx, workflow.Input{KeyEmail: "a@b.com"}))
	assert.Equal(t, 60*time.Second, f.CooldownRemaining())

	clk.Advance(45500 * time.Millisecond)
	assert.Equal(t, "Please wait 15s before requesting a new code", reasonOf(t, f.Resend(ctx)))
	assert.Equal(t, 1, b.callCount())

	clk.Advance(15 * time.Second)
	require.NoError(t, f.Resend(ctx))
	assert.Equal(t, []string{"send:a@b.com", "send:a@b.com"}, b.calls)
	assert.Equal(t, AwaitingOtp, f.Step())

	b.sendErr = errors.New("dial tcp: refused")
	clk.Advance(time.Minute)
	err := f.Resend(ctx)
	var te *workflow.TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, f.CooldownRemaining(), "failed send does not start a new cooldown")

	clk.Advance(time.Second)
	b.sendErr = nil
	require.NoError(t, f.Resend(ctx), "retry allowed right after a failed send")
	assert.Equal(t, 60*time.Second, f.CooldownRemaining())
}

func TestResetClearsCooldown(t *testing.T) {
	b := &mockBackend{}
	f, _ := newFlow(b)
	require.NoError(t, f.Submit(context.Background(), workflow.Input{KeyEmail: "a@b.com"}))
	require.Positive(t, f.CooldownRemaining())

	f.Reset()
	assert.Zero(t, f.CooldownRemaining())
	assert.Equal(t, AwaitingEmail, f.Step())
}

func TestUnchangedPasswordRejected(t *testing.T) {
	b := &mockBackend{}
	f, _ := newFlow(b, WithUnchangedCheck(&stubCheck{unchanged: true}))
	ctx := context.Background()
	require.NoError(t, f.Submit(ctx, workflow.Input{KeyEmail: "a@b.com"}))
	require.NoError(t, f.Submit(ctx, workflow.Input{KeyOTP: "123456"}))

	err := f.Submit(ctx, workflow.Input{KeyNewPassword: "secret1", KeyConfirm: "secret1"})
	assert.Equal(t, MsgUnchanged, reasonOf(t, err))
	assert.Equal(t, AwaitingNewPassword, f.Step())
	assert.Equal(t, 2, b.callCount(), "reset request not sent")
}

func TestCheckFailureIsSurfaced(t *testing.T) {
	b := &mockBackend{}
	f, _ := newFlow(b, WithUnchangedCheck(&stubCheck{err: errors.New("provider unreachable")}))
	ctx := context.Background()
	require.NoError(t, f.Submit(ctx, workflow.Input{KeyEmail: "a@b.com"}))
	require.NoError(t, f.Submit(ctx, workflow.Input{KeyOTP: "123456"}))

	err := f.Submit(ctx, workflow.Input{KeyNewPassword: "secret1", KeyConfirm: "secret1"})
	var te *workflow.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, AwaitingNewPassword, f.Step())
}

func TestInvalidationFailureIsNotSurfaced(t *testing.T) {
	b := &mockBackend{}
	f, _ := newFlow(b, WithInvalidator(&stubInvalidator{err: errors.New("permission denied")}))
	ctx := context.Background()
	require.NoError(t, f.Submit(ctx, workflow.Input{KeyEmail: "a@b.com"}))
	require.NoError(t, f.Submit(ctx, workflow.Input{KeyOTP: "123456"}))
	require.NoError(t, f.Submit(ctx, workflow.Input{KeyNewPassword: "secret1", KeyConfirm: "secret1"}))
	assert.True(t, f.IsTerminal())
}

func TestBusinessErrorsPassThroughVerbatim(t *testing.T) {
	b := &mockBackend{sendErr: &backend.APIError{Status: 404, Message: "Email not found"}}
	f, _ := newFlow(b)

	err := f.Submit(context.Background(), workflow.Input{KeyEmail: "x@b.com"})
	assert.Equal(t, "Email not found", reasonOf(t, err))
	assert.Equal(t, AwaitingEmail, f.Step())

	b.sendErr = nil
	require.NoError(t, f.Submit(context.Background(), workflow.Input{KeyEmail: "x@b.com"}), "same step is retryable")
}

func TestResetFailureStays(t *testing.T) {
	b := &mockBackend{resetErr: &backend.APIError{Status: 200, Message: "User not found"}}
	f, _ := newFlow(b)
	ctx := context.Background()
	require.NoError(t, f.Submit(ctx, workflow.Input{KeyEmail: "a@b.com"}))
	require.NoError(t, f.Submit(ctx, workflow.Input{KeyOTP: "123456"}))

	err := f.Submit(ctx, workflow.Input{KeyNewPassword: "secret1", KeyConfirm: "secret1"})
	assert.Equal(t, "User not found", reasonOf(t, err))
	assert.Equal(t, AwaitingNewPassword, f.Step())
}

// Resetting twice from any reachable step lands on AwaitingEmail with an
// empty context both times.
func TestResetIdempotentProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f, _ := newFlow(&mockBackend{})
		ctx := context.Background()
		steps := rapid.IntRange(0, 3).Draw(rt, "steps")
		inputs := []workflow.Input{
			{KeyEmail: "a@b.com"},
			{KeyOTP: "123456"},
			{KeyNewPassword: "secret1", KeyConfirm: "secret1"},
		}
		for i := 0; i < steps; i++ {
			if err := f.Submit(ctx, inputs[i]); err != nil {
				rt.Fatalf("submit %d: %v", i, err)
			}
		}

		for i := 0; i < 2; i++ {
			f.Reset()
			st := f.State()
			if st.Step != AwaitingEmail || len(st.Context) != 0 || f.CooldownRemaining() != 0 {
				rt.Fatalf("reset %d left %+v", i, st)
			}
		}
	})
}
