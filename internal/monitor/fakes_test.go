package monitor

import (
	"context"
	"fmt"
	"sync"

	"trackbot/internal/clearml"
	"trackbot/internal/plot"
	"trackbot/internal/storage"
	"trackbot/internal/transport"
)

// ---- store ----

type fakeStore struct {
	mu          sync.Mutex
	users       map[int64]storage.User
	metrics     map[string]storage.MetricPoint
	experiments map[string]storage.ExperimentRecord

	metricWrites int
	recordWrites int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[int64]storage.User{},
		metrics:     map[string]storage.MetricPoint{},
		experiments: map[string]storage.ExperimentRecord{},
	}
}

func metricKey(p storage.MetricPoint) string {
	return fmt.Sprintf("%d|%s|%s|%s|%d", p.UserID, p.ExperimentID, p.Section, p.Metric, p.Iteration)
}

func expKey(userID int64, experimentID string) string {
	return fmt.Sprintf("%d|%s", userID, experimentID)
}

func (s *fakeStore) GetUser(_ context.Context, id int64) (storage.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *fakeStore) PutUser(_ context.Context, u storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *fakeStore) UpsertMetricPoint(_ context.Context, p storage.MetricPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[metricKey(p)] = p
	s.metricWrites++
	return nil
}

func (s *fakeStore) MetricsBySection(_ context.Context, userID int64, experimentID, section string) ([]storage.MetricPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.MetricPoint
	for _, p := range s.metrics {
		if p.UserID == userID && p.ExperimentID == experimentID && p.Section == section {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) GetExperiment(_ context.Context, userID int64, experimentID string) (storage.ExperimentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.experiments[expKey(userID, experimentID)]
	return rec, ok, nil
}

func (s *fakeStore) PutExperiment(_ context.Context, userID int64, rec storage.ExperimentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experiments[expKey(userID, rec.ExperimentID)] = rec
	s.recordWrites++
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) writes() (metrics, records int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricWrites, s.recordWrites
}

// ---- source ----

type fakeSource struct {
	mu      sync.Mutex
	snaps   []clearml.Snapshot
	listErr error
	authErr error
	calls   int
}

func (f *fakeSource) ListRunning(context.Context) ([]clearml.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.snaps, nil
}

func (f *fakeSource) CheckAuth(context.Context) error { return f.authErr }

func (f *fakeSource) set(snaps ...clearml.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = snaps
}

// ---- sink ----

type sinkCall struct {
	op   string // "sendText", "editText", "sendPhoto", "editPhoto"
	ref  transport.MessageRef
	text string
}

type fakeSink struct {
	mu     sync.Mutex
	nextID int
	calls  []sinkCall

	sendTextErr  error
	editTextErr  error
	sendPhotoErr error
	editPhotoErr error

	// onSend lets tests observe state at delivery time (e.g. bootstrap order).
	onSend func()
}

func newFakeSink() *fakeSink { return &fakeSink{nextID: 100} }

func (f *fakeSink) record(op string, ref transport.MessageRef, text string) {
	f.calls = append(f.calls, sinkCall{op: op, ref: ref, text: text})
}

func (f *fakeSink) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSend != nil {
		f.onSend()
	}
	if f.sendTextErr != nil {
		return transport.MessageRef{}, f.sendTextErr
	}
	f.nextID++
	ref := transport.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}
	f.record("sendText", ref, text)
	return ref, nil
}

func (f *fakeSink) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editTextErr != nil {
		return f.editTextErr
	}
	f.record("editText", ref, text)
	return nil
}

func (f *fakeSink) SendPhoto(_ context.Context, to transport.ChatTarget, _ []byte, caption string) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSend != nil {
		f.onSend()
	}
	if f.sendPhotoErr != nil {
		return transport.MessageRef{}, f.sendPhotoErr
	}
	f.nextID++
	ref := transport.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}
	f.record("sendPhoto", ref, caption)
	return ref, nil
}

func (f *fakeSink) EditPhoto(_ context.Context, ref transport.MessageRef, _ []byte, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editPhotoErr != nil {
		return f.editPhotoErr
	}
	f.record("editPhoto", ref, caption)
	return nil
}

func (f *fakeSink) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.op
	}
	return out
}

func (f *fakeSink) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// ---- wiring ----

// stubRender avoids pulling the real chart renderer into reconciler tests
// while preserving its contract: nil output for empty input.
func stubRender(series map[string][]plot.Point, _ string) ([]byte, error) {
	total := 0
	for _, pts := range series {
		total += len(pts)
	}
	if total == 0 {
		return nil, nil
	}
	return []byte("png"), nil
}

func newTestService(store storage.Store, sink transport.Sink, src Source) *Service {
	factory := func(clearml.Credentials) (Source, error) { return src, nil }
	svc := New(Config{}, store, sink, factory, NewRegistry(), testLogger())
	svc.render = stubRender
	return svc
}
