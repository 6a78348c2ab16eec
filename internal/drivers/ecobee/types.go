package ecobee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNoToken        = errors.New("no access token available - authorization required")
	ErrLockHeld       = errors.New("another instance is refreshing the token")
	ErrRefreshFailed  = errors.New("token refresh failed")
	ErrReauthRequired = errors.New("refresh token rejected - re-authorization required")
	ErrStatus         = errors.New("provider returned error status")
	ErrNoData         = errors.New("provider returned no data")
	ErrPinFailed      = errors.New("PIN request failed")
	ErrPinPending     = errors.New("PIN not yet approved")
)

// Provider status codes that need special handling
const (
	statusOK           = 0
	statusTokenExpired = 14
	statusDeauthorized = 16
	errorInvalidGrant  = "invalid_grant"
	errorAuthPending   = "authorization_pending"
	grantTypePin       = "ecobeePin"
	grantTypeRefresh   = "refresh_token"
	responseTypePin    = "ecobeePin"
)

// Notice keys
const (
	NoticeGetPin     = "getPin"
	NoticeGrantError = "grant_error"
	NoticeGrantInfo  = "grant_info"
)

// Notifier is the user-visible side channel
type Notifier interface {
	Notify(ctx context.Context, key, message string) error
	Clear(ctx context.Context) error
}

// Locker is the cross-instance refresh lock
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Reauthorizer restarts the PIN flow after the current credential was
// rejected
type Reauthorizer interface {
	Reauthorize(ctx context.Context, reason string)
}

// tokenResponse is the token endpoint reply, success or error
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// pinResponse is the authorize endpoint reply
type pinResponse struct {
	EcobeePin        string `json:"ecobeePin"`
	Code             string `json:"code"`
	Scope            string `json:"scope"`
	ExpiresIn        int    `json:"expires_in"`
	Interval         int    `json:"interval"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type apiStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// statusOf returns the status block of an API response, if present
func statusOf(data json.RawMessage) (*apiStatus, error) {
	var envelope struct {
		Status *apiStatus `json:"status"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return envelope.Status, nil
}
