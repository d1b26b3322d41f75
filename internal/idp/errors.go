package idp

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/oauth2"
)

// ExchangeKind classifies a failed code exchange
type ExchangeKind int

const (
	// KindInvalidOrExpiredCode means the provider rejected the code itself:
	// unknown, already used, expired, or bound to a different redirect URI.
	KindInvalidOrExpiredCode ExchangeKind = iota + 1
	// KindProviderUnavailable covers transport failures, timeouts, 5xx
	// responses and token responses that cannot be trusted.
	KindProviderUnavailable
)

func (k ExchangeKind) String() string {
	switch k {
	case KindInvalidOrExpiredCode:
		return "invalid_or_expired_code"
	case KindProviderUnavailable:
		return "provider_unavailable"
	default:
		return "unknown"
	}
}

// ExchangeError is returned by ExchangeCode for every failure
type ExchangeError struct {
	Kind ExchangeKind
	// ProviderCode is the OAuth2 error code returned by the provider, if any.
	ProviderCode string
	// Redeemed is set when the provider accepted the code and returned a
	// token response that could not be used. The code is spent.
	Redeemed bool
	Err      error
}

func (e *ExchangeError) Error() string {
	if e.ProviderCode != "" {
		return fmt.Sprintf("code exchange failed (%s, %s): %v", e.Kind, e.ProviderCode, e.Err)
	}
	return fmt.Sprintf("code exchange failed (%s): %v", e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// IsInvalidCode reports whether err is an InvalidOrExpiredCode exchange failure
func IsInvalidCode(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && ee.Kind == KindInvalidOrExpiredCode
}

// CodeUnspent reports whether err is a provider failure after which the
// code may still be redeemable: the provider either never answered or
// answered with an error of its own.
func CodeUnspent(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && ee.Kind == KindProviderUnavailable && !ee.Redeemed
}

// SignOutError is returned when global sign-out fails. Callers log it and
// continue tearing down the local session.
type SignOutError struct {
	Strategy string
	Err      error
}

func (e *SignOutError) Error() string {
	return fmt.Sprintf("global sign-out via %s failed: %v", e.Strategy, e.Err)
}

func (e *SignOutError) Unwrap() error {
	return e.Err
}

// clientErrorCodes are 4xx responses caused by our own registration rather
// than by the code, so they surface as provider failures and get logged as such.
var clientErrorCodes = map[string]bool{
	"invalid_client":      true,
	"unauthorized_client": true,
}

// classifyExchangeError maps an oauth2 exchange error onto the taxonomy
func classifyExchangeError(err error) *ExchangeError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		if status >= 400 && status < 500 && !clientErrorCodes[re.ErrorCode] {
			return &ExchangeError{Kind: KindInvalidOrExpiredCode, ProviderCode: re.ErrorCode, Err: err}
		}
		return &ExchangeError{Kind: KindProviderUnavailable, ProviderCode: re.ErrorCode, Err: err}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &ExchangeError{Kind: KindProviderUnavailable, Err: fmt.Errorf("timeout: %w", err)}
	default:
		return &ExchangeError{Kind: KindProviderUnavailable, Err: err}
	}
}
