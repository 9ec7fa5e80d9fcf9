// Package monitor drives the update cycle: it polls each subscriber's
// tracking server for running experiments, persists new metric points,
// redraws plots and keeps one live Telegram message per experiment slot,
// editing in place instead of re-sending.
package monitor

import (
	"context"
	"errors"
	"time"

	"trackbot/internal/clearml"
)

var (
	ErrNotRegistered     = errors.New("user is not registered")
	ErrAlreadySubscribed = errors.New("user is already subscribed")
	ErrNotSubscribed     = errors.New("user is not subscribed")
)

// Source is one user's read-only session against the tracking server.
type Source interface {
	ListRunning(ctx context.Context) ([]clearml.Snapshot, error)
	CheckAuth(ctx context.Context) error
}

// SourceFactory materializes a Source from stored credentials.
type SourceFactory func(creds clearml.Credentials) (Source, error)

type Config struct {
	// UserTimeout bounds one user's full reconciliation pass so a single
	// stalled upstream cannot block the sweep for everyone else.
	UserTimeout time.Duration
}
