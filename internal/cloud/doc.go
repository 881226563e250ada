// Package cloud provides credentials for cloud-linked printers.
//
// Printers of a cloud device class are reached through the vendor's regional
// MQTT broker, which authenticates with the account's access token instead of
// a LAN access code. The Provider logs in, walks the user through email
// verification or two-factor prompts, keeps the token fresh ahead of expiry
// and hands sessions a consistent credential.
//
// Login outcomes are reported as sentinel errors:
//
//	err := provider.Login(ctx, account, password)
//	switch {
//	case errors.Is(err, cloud.ErrVerificationRequired):
//	    // an email code was sent; call SubmitVerificationCode
//	case errors.Is(err, cloud.ErrTwoFactorRequired):
//	    // call SubmitTwoFactor with the authenticator code
//	case errors.Is(err, cloud.ErrBlocked):
//	    // rejected by the anti-automation proxy; retry later
//	}
//
// Thread Safety: Provider methods are safe for concurrent use. The credential
// is replaced wholesale and never modified in place.
package cloud
