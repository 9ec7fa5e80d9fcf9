package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"trackbot/internal/clearml"
	"trackbot/internal/plot"
	"trackbot/internal/storage"
	"trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

type Service struct {
	cfg       Config
	store     storage.Store
	sink      transport.Sink
	newSource SourceFactory
	registry  *Registry
	log       logx.Logger

	// render is swappable in tests; defaults to plot.Render.
	render func(series map[string][]plot.Point, title string) ([]byte, error)
}

func New(cfg Config, store storage.Store, sink transport.Sink, factory SourceFactory, registry *Registry, log logx.Logger) *Service {
	if cfg.UserTimeout <= 0 {
		cfg.UserTimeout = 30 * time.Second
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		sink:      sink,
		newSource: factory,
		registry:  registry,
		log:       log,
		render:    plot.Render,
	}
}

// Subscribed reports whether the user currently has a live session.
func (s *Service) Subscribed(userID int64) bool {
	_, ok := s.registry.get(userID)
	return ok
}

// Subscribe materializes a session from stored credentials and verifies them
// against the tracking server, so bad credentials surface now rather than on
// the first sweep.
func (s *Service) Subscribe(ctx context.Context, userID int64) error {
	if _, ok := s.registry.get(userID); ok {
		return ErrAlreadySubscribed
	}

	src, err := s.sourceFor(ctx, userID)
	if err != nil {
		return err
	}
	if err := src.CheckAuth(ctx); err != nil {
		return err
	}

	if !s.registry.put(&session{userID: userID, source: src}) {
		return ErrAlreadySubscribed
	}
	s.log.Info("user subscribed", logx.Int64("user", userID))
	return nil
}

// Unsubscribe drops the live session. Stored credentials are kept.
func (s *Service) Unsubscribe(userID int64) error {
	if !s.registry.remove(userID) {
		return ErrNotSubscribed
	}
	s.log.Info("user unsubscribed", logx.Int64("user", userID))
	return nil
}

func (s *Service) sourceFor(ctx context.Context, userID int64) (Source, error) {
	u, ok, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotRegistered
	}
	return s.newSource(clearml.Credentials{
		Host:      u.Host,
		AccessKey: u.AccessKey,
		SecretKey: u.SecretKey,
	})
}

// SweepOnce runs one reconciliation pass over every subscribed user,
// sequentially. Each user's pass has its own timeout and failure boundary so
// one user's outage or panic never ends the sweep or the process.
func (s *Service) SweepOnce(ctx context.Context) {
	sessions := s.registry.snapshot()
	if len(sessions) == 0 {
		return
	}
	started := time.Now()
	for _, sess := range sessions {
		if ctx.Err() != nil {
			return
		}
		s.sweepUserGuarded(ctx, sess)
	}
	s.log.Debug("sweep complete",
		logx.Int("users", len(sessions)),
		logx.Duration("took", time.Since(started)))
}

func (s *Service) sweepUserGuarded(ctx context.Context, sess *session) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in user sweep",
				logx.Int64("user", sess.userID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	uctx, cancel := context.WithTimeout(ctx, s.cfg.UserTimeout)
	defer cancel()

	if err := s.sweepUser(uctx, sess); err != nil {
		s.log.Warn("user sweep failed", logx.Int64("user", sess.userID), logx.Err(err))
	}
}

func (s *Service) sweepUser(ctx context.Context, sess *session) error {
	snaps, err := sess.source.ListRunning(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, snap := range snaps {
		if err := s.reconcileExperiment(ctx, sess.userID, snap); err != nil {
			errs = append(errs, fmt.Errorf("experiment %s: %w", snap.ID, err))
		}
	}
	return errors.Join(errs...)
}

// RunningSummary answers an on-demand "/running" request with a plain-text
// overview of the user's in-progress experiments. It reuses the live session
// when subscribed and builds a throwaway one otherwise.
func (s *Service) RunningSummary(ctx context.Context, userID int64) (string, error) {
	var src Source
	if sess, ok := s.registry.get(userID); ok {
		src = sess.source
	} else {
		var err error
		if src, err = s.sourceFor(ctx, userID); err != nil {
			return "", err
		}
	}

	snaps, err := src.ListRunning(ctx)
	if err != nil {
		return "", err
	}
	if len(snaps) == 0 {
		return "No experiments are currently running.", nil
	}
	return runningSummaryText(snaps), nil
}
