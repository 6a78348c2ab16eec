package handlers

import (
	"context"

	"ecobridge/internal/notify"
	"ecobridge/internal/poller"
	"ecobridge/internal/tokens"
)

// Poller is the poll coordinator as seen by the API
type Poller interface {
	Discover(ctx context.Context) bool
	Update(ctx context.Context) error
	Status() poller.Status
}

// Refresher owns the current credential
type Refresher interface {
	Refresh(ctx context.Context) error
	Current() *tokens.Record
}

// AuthStatus reports provider connectivity
type AuthStatus interface {
	Authorized() bool
	Connected() bool
}

// NoticeBoard lists the notices currently raised
type NoticeBoard interface {
	List() []notify.Notice
}
