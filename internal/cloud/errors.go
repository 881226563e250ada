package cloud

import "errors"

var (
	// ErrNotLoggedIn is returned when no credential is available.
	ErrNotLoggedIn = errors.New("cloud: not logged in")

	// ErrVerificationRequired means an email code was requested and must be
	// submitted with SubmitVerificationCode.
	ErrVerificationRequired = errors.New("cloud: email verification required")

	// ErrTwoFactorRequired means a two-factor code must be submitted with
	// SubmitTwoFactor.
	ErrTwoFactorRequired = errors.New("cloud: two-factor code required")

	// ErrBlocked means the request was rejected by the anti-automation proxy.
	ErrBlocked = errors.New("cloud: blocked by cloudflare")

	// ErrCodeExpired means the verification code expired. A new one has been sent.
	ErrCodeExpired = errors.New("cloud: verification code expired")

	// ErrCodeIncorrect means the verification code was wrong.
	ErrCodeIncorrect = errors.New("cloud: verification code incorrect")

	// ErrRefreshFailed wraps any failure to exchange the refresh token.
	ErrRefreshFailed = errors.New("cloud: token refresh failed")

	// ErrNoPendingFlow is returned when a code is submitted but no
	// verification or two-factor prompt is outstanding.
	ErrNoPendingFlow = errors.New("cloud: no verification pending")

	// ErrUnexpectedResponse is returned for responses that fit no known outcome.
	ErrUnexpectedResponse = errors.New("cloud: unexpected response")
)

// IsCredentialFault reports whether err needs the user to act before a
// session can connect again.
func IsCredentialFault(err error) bool {
	return errors.Is(err, ErrNotLoggedIn) ||
		errors.Is(err, ErrVerificationRequired) ||
		errors.Is(err, ErrTwoFactorRequired) ||
		errors.Is(err, ErrBlocked) ||
		errors.Is(err, ErrCodeExpired) ||
		errors.Is(err, ErrCodeIncorrect) ||
		errors.Is(err, ErrRefreshFailed)
}
