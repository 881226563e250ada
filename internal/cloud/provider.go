package cloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Pending names an outstanding out-of-band login step.
type Pending string

// Pending login steps.
const (
	PendingNone       Pending = "none"
	PendingVerifyCode Pending = "verify_code"
	PendingTwoFactor  Pending = "two_factor"
)

// Logger defines the logging interface for the provider.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Provider.
type Options struct {
	// RefreshHorizon is how close to expiry a token is refreshed before use.
	RefreshHorizon time.Duration
	// Store caches the credential across restarts. Optional.
	Store  CredentialStore
	Logger Logger
}

// Status is the provider state shown on the auth status endpoint.
type Status struct {
	LoggedIn  bool      `json:"logged_in"`
	Pending   Pending   `json:"pending"`
	Account   string    `json:"account,omitempty"`
	Username  string    `json:"username,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Provider owns the cloud credential.
type Provider struct {
	api    API
	opts   Options
	logger Logger
	now    func() time.Time

	cred  atomic.Pointer[Credential]
	group singleflight.Group

	mu       sync.Mutex
	account  string
	password string
	pending  Pending
	tfaKey   string
	lastErr  error
}

// NewProvider creates a Provider for account. Nothing is requested until
// Login, Restore or CurrentToken is called.
func NewProvider(api API, account string, opts Options) *Provider {
	if opts.RefreshHorizon <= 0 {
		opts.RefreshHorizon = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Provider{
		api:     api,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		account: account,
		pending: PendingNone,
	}
}

// Restore loads a cached credential from the store. A missing or expired
// cached credential is not an error.
func (p *Provider) Restore(ctx context.Context) error {
	if p.opts.Store == nil {
		return nil
	}
	p.mu.Lock()
	account := p.account
	p.mu.Unlock()

	c, err := p.opts.Store.Load(ctx, account)
	if errors.Is(err, ErrNotLoggedIn) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restoring credential: %w", err)
	}
	if c.Expired(p.now()) && c.RefreshExpiresAt.Before(p.now()) {
		p.logger.Info("cached cloud credential expired", "account", account)
		return nil
	}
	p.cred.Store(c)
	p.logger.Info("cloud credential restored", "account", account, "expires_at", c.ExpiresAt)
	return nil
}

// Login authenticates with account and password.
//
// Returns:
//   - nil on success; the credential is then available from CurrentToken
//   - ErrVerificationRequired: an email code was sent
//   - ErrTwoFactorRequired: a two-factor code is needed
//   - ErrBlocked: the request was rejected by the anti-automation proxy
func (p *Provider) Login(ctx context.Context, account, password string) error {
	p.mu.Lock()
	p.account, p.password = account, password
	p.mu.Unlock()

	resp, err := p.api.Login(ctx, account, password)
	if err != nil {
		return p.fail(err)
	}

	if resp.AccessToken != "" {
		return p.accept(ctx, resp.TokenResponse)
	}

	switch resp.LoginType {
	case loginTypeVerifyCode:
		if err := p.api.RequestEmailCode(ctx, account); err != nil {
			return p.fail(fmt.Errorf("requesting email code: %w", err))
		}
		p.setPending(PendingVerifyCode, "")
		p.logger.Info("cloud login needs email verification", "account", account)
		return ErrVerificationRequired
	case loginTypeTFA:
		p.setPending(PendingTwoFactor, resp.TFAKey)
		p.logger.Info("cloud login needs two-factor code", "account", account)
		return ErrTwoFactorRequired
	default:
		return p.fail(fmt.Errorf("%w: login type %q", ErrUnexpectedResponse, resp.LoginType))
	}
}

// SubmitVerificationCode completes an email verification login. An expired
// code triggers a new email and returns ErrCodeExpired.
func (p *Provider) SubmitVerificationCode(ctx context.Context, code string) error {
	p.mu.Lock()
	account, pending := p.account, p.pending
	p.mu.Unlock()
	if pending != PendingVerifyCode {
		return ErrNoPendingFlow
	}

	resp, err := p.api.LoginWithCode(ctx, account, code)
	if errors.Is(err, ErrCodeExpired) {
		if reqErr := p.api.RequestEmailCode(ctx, account); reqErr != nil {
			p.logger.Warn("requesting new email code failed", "error", reqErr)
		}
	}
	if err != nil {
		return p.fail(err)
	}
	return p.accept(ctx, resp)
}

// SubmitTwoFactor completes a two-factor login.
func (p *Provider) SubmitTwoFactor(ctx context.Context, code string) error {
	p.mu.Lock()
	tfaKey, pending := p.tfaKey, p.pending
	p.mu.Unlock()
	if pending != PendingTwoFactor {
		return ErrNoPendingFlow
	}

	resp, err := p.api.LoginWithTFA(ctx, tfaKey, code)
	if err != nil {
		return p.fail(err)
	}
	return p.accept(ctx, resp)
}

// CurrentToken returns the active credential, refreshing it first when it
// expires within the refresh horizon.
//
// A failed refresh is only an error if the old credential has already
// expired; otherwise the old credential is returned and the failure logged.
// Concurrent callers share one refresh.
func (p *Provider) CurrentToken(ctx context.Context) (*Credential, error) {
	c := p.cred.Load()
	if c == nil {
		return nil, ErrNotLoggedIn
	}
	if !c.ExpiresWithin(p.now(), p.opts.RefreshHorizon) {
		return c, nil
	}

	fresh, err := p.refresh(ctx, c)
	if err == nil {
		return fresh, nil
	}
	if !c.Expired(p.now()) {
		p.logger.Warn("cloud token refresh failed, using current token", "error", err, "expires_at", c.ExpiresAt)
		return c, nil
	}
	return nil, err
}

// Refresh exchanges the refresh token now. On failure the existing
// credential is kept and the error wraps ErrRefreshFailed.
func (p *Provider) Refresh(ctx context.Context) (*Credential, error) {
	return p.refresh(ctx, nil)
}

// refresh runs one refresh at a time. When seen is non-nil and another
// caller has already replaced it with a credential outside the horizon, that
// credential is returned without a new request.
func (p *Provider) refresh(ctx context.Context, seen *Credential) (*Credential, error) {
	v, err, _ := p.group.Do("refresh", func() (any, error) {
		cur := p.cred.Load()
		if cur == nil {
			return nil, ErrNotLoggedIn
		}
		if seen != nil && cur != seen && !cur.ExpiresWithin(p.now(), p.opts.RefreshHorizon) {
			return cur, nil
		}
		if cur.RefreshToken == "" {
			return nil, p.fail(fmt.Errorf("%w: no refresh token", ErrRefreshFailed))
		}

		// Shared by every waiting caller, so one caller giving up must not
		// cancel it. The HTTP client bounds it.
		resp, err := p.api.RefreshToken(context.WithoutCancel(ctx), cur.RefreshToken)
		if err != nil {
			return nil, p.fail(fmt.Errorf("%w: %w", ErrRefreshFailed, err))
		}

		next := newCredential(resp, cur, p.now())
		p.cred.Store(next)
		p.clearError()
		p.persist(ctx, next)
		p.logger.Info("cloud token refreshed", "expires_at", next.ExpiresAt)
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

// RunRefresher checks the credential every interval and refreshes it when it
// is inside the refresh horizon. It returns when ctx is cancelled.
func (p *Provider) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c := p.cred.Load()
			if c == nil || !c.ExpiresWithin(p.now(), p.opts.RefreshHorizon) {
				continue
			}
			if _, err := p.refresh(ctx, c); err != nil {
				p.logger.Error("scheduled cloud token refresh failed", "error", err)
			}
		}
	}
}

// Reset clears the last error before a printer is restarted. The credential
// and any outstanding email or two-factor step are kept: they belong to the
// account, and the user may be about to submit the code.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = nil
}

// Status returns the provider state.
func (p *Provider) Status() Status {
	p.mu.Lock()
	st := Status{Pending: p.pending, Account: p.account}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	p.mu.Unlock()

	if c := p.cred.Load(); c != nil {
		st.LoggedIn = !c.Expired(p.now())
		st.Username = c.Username
		st.ExpiresAt = c.ExpiresAt
	}
	return st
}

// Account returns the configured account.
func (p *Provider) Account() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.account
}

// Password returns the password given to the last Login, for re-login after
// a lapsed refresh token.
func (p *Provider) Password() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.password
}

func (p *Provider) accept(ctx context.Context, t TokenResponse) error {
	if t.AccessToken == "" {
		return p.fail(fmt.Errorf("%w: empty access token", ErrUnexpectedResponse))
	}
	c := newCredential(t, p.cred.Load(), p.now())
	p.cred.Store(c)

	p.mu.Lock()
	p.pending = PendingNone
	p.tfaKey = ""
	p.lastErr = nil
	account := p.account
	p.mu.Unlock()

	p.persist(ctx, c)
	p.logger.Info("cloud login succeeded", "account", account, "username", c.Username, "expires_at", c.ExpiresAt)
	return nil
}

func (p *Provider) persist(ctx context.Context, c *Credential) {
	if p.opts.Store == nil {
		return
	}
	if err := p.opts.Store.Save(ctx, p.Account(), c); err != nil {
		p.logger.Warn("caching cloud credential failed", "error", err)
	}
}

func (p *Provider) setPending(pending Pending, tfaKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = pending
	p.tfaKey = tfaKey
	p.lastErr = nil
}

func (p *Provider) fail(err error) error {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	return err
}

func (p *Provider) clearError() {
	p.mu.Lock()
	p.lastErr = nil
	p.mu.Unlock()
}
