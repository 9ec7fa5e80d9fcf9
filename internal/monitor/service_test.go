package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"trackbot/internal/clearml"
	"trackbot/internal/storage"
)

func TestSubscribeLifecycle(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	src := &fakeSource{}
	svc := newTestService(store, newFakeSink(), src)
	ctx := context.Background()

	// Unknown user: guidance to register, no session.
	if err := svc.Subscribe(ctx, 7); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Subscribe unknown user = %v, want ErrNotRegistered", err)
	}
	if svc.Subscribed(7) {
		t.Fatal("session created for unregistered user")
	}

	if err := store.PutUser(ctx, storage.User{ID: 7, Host: "https://api.example", AccessKey: "a", SecretKey: "s"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := svc.Subscribe(ctx, 7); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !svc.Subscribed(7) {
		t.Fatal("expected live session after subscribe")
	}

	if err := svc.Subscribe(ctx, 7); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("second Subscribe = %v, want ErrAlreadySubscribed", err)
	}

	if err := svc.Unsubscribe(7); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if svc.Subscribed(7) {
		t.Fatal("session survived unsubscribe")
	}
	if err := svc.Unsubscribe(7); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("second Unsubscribe = %v, want ErrNotSubscribed", err)
	}

	// Credentials stay after unsubscribe; resubscribing works without /register.
	if err := svc.Subscribe(ctx, 7); err != nil {
		t.Fatalf("re-Subscribe: %v", err)
	}
}

func TestSubscribeRejectedCredentials(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	src := &fakeSource{authErr: clearml.ErrUpstreamUnavailable}
	svc := newTestService(store, newFakeSink(), src)
	ctx := context.Background()

	if err := store.PutUser(ctx, storage.User{ID: 7, Host: "https://api.example", AccessKey: "a", SecretKey: "bad"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := svc.Subscribe(ctx, 7); !errors.Is(err, clearml.ErrUpstreamUnavailable) {
		t.Fatalf("Subscribe with bad creds = %v, want ErrUpstreamUnavailable", err)
	}
	if svc.Subscribed(7) {
		t.Fatal("session created despite rejected credentials")
	}
}

func TestRunningSummary(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	src := &fakeSource{}
	src.set(
		clearml.Snapshot{ID: "a1", Name: "first", Iteration: 10,
			Metrics: []clearml.Metric{{Section: "train", Name: "loss", Value: 0.25, Iteration: 10}}},
		clearml.Snapshot{ID: "b2", Name: "second", Iteration: 3},
	)
	svc := newTestService(store, newFakeSink(), src)
	subscribe(t, svc, store, 7)

	got, err := svc.RunningSummary(context.Background(), 7)
	if err != nil {
		t.Fatalf("RunningSummary: %v", err)
	}
	for _, want := range []string{
		"Running experiment count: 2",
		"Name: first, Iteration: 10",
		"train/loss: 0.25",
		"Name: second, Iteration: 3",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("summary missing %q:\n%s", want, got)
		}
	}
}

func TestRunningSummaryWithoutSubscription(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	src := &fakeSource{}
	svc := newTestService(store, newFakeSink(), src)
	ctx := context.Background()

	if _, err := svc.RunningSummary(ctx, 7); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("RunningSummary unregistered = %v, want ErrNotRegistered", err)
	}

	// Registered but not subscribed: a throwaway session is built on demand.
	if err := store.PutUser(ctx, storage.User{ID: 7, Host: "https://api.example", AccessKey: "a", SecretKey: "s"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	got, err := svc.RunningSummary(ctx, 7)
	if err != nil {
		t.Fatalf("RunningSummary: %v", err)
	}
	if !strings.Contains(got, "No experiments") {
		t.Fatalf("unexpected summary: %q", got)
	}
}
