package alert

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pillpal/pillpal-core/internal/dose"
	"github.com/pillpal/pillpal-core/internal/infrastructure/database"
	_ "github.com/pillpal/pillpal-core/migrations"
)

var now = time.Date(2026, 3, 1, 8, 0, 30, 0, time.UTC)

type fakeFinder struct {
	mu    sync.Mutex
	due   []dose.DueInstance
	err   error
	calls int
	from  time.Time
	to    time.Time
}

func (f *fakeFinder) DueInstances(_ context.Context, from, to time.Time) ([]dose.DueInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.from, f.to = from, to
	return f.due, f.err
}

func (f *fakeFinder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type mockPublisher struct {
	mu       sync.Mutex
	messages []published
	failFor  string
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if topic == m.failFor {
		return errors.New("not connected")
	}
	m.messages = append(m.messages, published{topic, payload, qos, retained})
	return nil
}

func (m *mockPublisher) sent() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.messages...)
}

type countingMetrics struct {
	mu     sync.Mutex
	alerts int
}

func (c *countingMetrics) WriteAlert(_, _ int64) {
	c.mu.Lock()
	c.alerts++
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, finder DueFinder, pub Publisher, metrics MetricsWriter) *Scheduler {
	t.Helper()
	s, err := NewScheduler(Options{
		Finder:    finder,
		Publisher: pub,
		Metrics:   metrics,
		Window:    time.Minute,
		QoS:       1,
		Now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestNewScheduler_MissingDependency(t *testing.T) {
	if _, err := NewScheduler(Options{Publisher: &mockPublisher{}}); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("NewScheduler(no finder) error = %v, want ErrMissingDependency", err)
	}
	if _, err := NewScheduler(Options{Finder: &fakeFinder{}}); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("NewScheduler(no publisher) error = %v, want ErrMissingDependency", err)
	}
}

func TestNewScheduler_Defaults(t *testing.T) {
	s, err := NewScheduler(Options{Finder: &fakeFinder{}, Publisher: &mockPublisher{}})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if s.interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", s.interval, DefaultInterval)
	}
	if s.window != DefaultWindow {
		t.Errorf("window = %v, want %v", s.window, DefaultWindow)
	}
}

func TestNewScheduler_WindowDefaultsToTwiceInterval(t *testing.T) {
	s, err := NewScheduler(Options{Finder: &fakeFinder{}, Publisher: &mockPublisher{}, Interval: 5 * time.Minute})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if s.window != 10*time.Minute {
		t.Errorf("window = %v, want 10m", s.window)
	}
}

func TestRunOnce_PublishesAlertCommand(t *testing.T) {
	scheduledAt := now.Add(-30 * time.Second)
	finder := &fakeFinder{due: []dose.DueInstance{
		{InstanceID: 11, MedID: 3, DeviceID: 7, UserID: 1, ScheduledAt: scheduledAt},
	}}
	pub := &mockPublisher{}
	metrics := &countingMetrics{}
	s := newTestScheduler(t, finder, pub, metrics)

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RunOnce() = %d, want 1", n)
	}

	if !finder.from.Equal(now.Add(-time.Minute)) || !finder.to.Equal(now) {
		t.Errorf("DueInstances(%v, %v), want (%v, %v)", finder.from, finder.to, now.Add(-time.Minute), now)
	}

	msgs := pub.sent()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "pillpal/command/7" {
		t.Errorf("topic = %q, want %q", msgs[0].topic, "pillpal/command/7")
	}
	if msgs[0].qos != 1 || msgs[0].retained {
		t.Errorf("qos/retained = %d/%v, want 1/false", msgs[0].qos, msgs[0].retained)
	}

	var cmd Command
	if err := json.Unmarshal(msgs[0].payload, &cmd); err != nil {
		t.Fatalf("unmarshal command: %v", err)
	}
	want := Command{
		Command:     CommandAlertStart,
		InstanceID:  11,
		ScheduledAt: "2026-03-01T08:00:00Z",
		Timestamp:   "2026-03-01T08:00:30Z",
	}
	if cmd != want {
		t.Errorf("command = %+v, want %+v", cmd, want)
	}

	st, ok := s.AlertState(7)
	if !ok {
		t.Fatal("AlertState(7) not active")
	}
	if st.InstanceID != 11 || !st.ScheduledAt.Equal(scheduledAt) || !st.StartedAt.Equal(now) {
		t.Errorf("AlertState(7) = %+v", st)
	}
	if metrics.alerts != 1 {
		t.Errorf("WriteAlert calls = %d, want 1", metrics.alerts)
	}
}

func TestRunOnce_AlertsEachPairOnce(t *testing.T) {
	finder := &fakeFinder{due: []dose.DueInstance{
		{InstanceID: 11, DeviceID: 7, ScheduledAt: now.Add(-10 * time.Second)},
	}}
	pub := &mockPublisher{}
	s := newTestScheduler(t, finder, pub, nil)

	for i := 0; i < 3; i++ {
		if _, err := s.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
	}
	if got := len(pub.sent()); got != 1 {
		t.Errorf("published %d messages, want 1", got)
	}

	// Clearing the alert does not re-arm an already alerted dose.
	s.Clear(7)
	if n, _ := s.RunOnce(context.Background()); n != 0 { //nolint:errcheck // only the count matters here
		t.Errorf("RunOnce() after Clear = %d, want 0", n)
	}
}

func TestRunOnce_PublishFailureRetriedNextScan(t *testing.T) {
	finder := &fakeFinder{due: []dose.DueInstance{
		{InstanceID: 11, DeviceID: 7, ScheduledAt: now},
		{InstanceID: 12, DeviceID: 8, ScheduledAt: now},
	}}
	pub := &mockPublisher{failFor: "pillpal/command/7"}
	s := newTestScheduler(t, finder, pub, nil)

	n, err := s.RunOnce(context.Background())
	if !errors.Is(err, ErrPublishFailed) {
		t.Errorf("RunOnce() error = %v, want ErrPublishFailed", err)
	}
	if n != 1 {
		t.Errorf("RunOnce() = %d, want 1", n)
	}
	if _, ok := s.AlertState(7); ok {
		t.Error("AlertState(7) active after failed publish")
	}

	pub.mu.Lock()
	pub.failFor = ""
	pub.mu.Unlock()

	n, err = s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() retry error = %v", err)
	}
	if n != 1 {
		t.Errorf("RunOnce() retry = %d, want 1", n)
	}
	if _, ok := s.AlertState(7); !ok {
		t.Error("AlertState(7) not active after retry")
	}
}

func TestRunOnce_FinderError(t *testing.T) {
	finder := &fakeFinder{err: errors.New("database is locked")}
	pub := &mockPublisher{}
	s := newTestScheduler(t, finder, pub, nil)

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Error("RunOnce() expected error, got nil")
	}
	if len(pub.sent()) != 0 {
		t.Error("published despite finder error")
	}
}

func TestRunOnce_PrunesSentOutsideWindow(t *testing.T) {
	finder := &fakeFinder{due: []dose.DueInstance{
		{InstanceID: 11, DeviceID: 7, ScheduledAt: now.Add(-30 * time.Second)},
	}}
	s := newTestScheduler(t, finder, &mockPublisher{}, nil)

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	later := now.Add(2 * time.Minute)
	s.now = func() time.Time { return later }
	finder.mu.Lock()
	finder.due = nil
	finder.mu.Unlock()

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	s.mu.Lock()
	remaining := len(s.sent)
	s.mu.Unlock()
	if remaining != 0 {
		t.Errorf("sent entries = %d, want 0 after window passed", remaining)
	}
}

func TestClear(t *testing.T) {
	finder := &fakeFinder{due: []dose.DueInstance{{InstanceID: 11, DeviceID: 7, ScheduledAt: now}}}
	s := newTestScheduler(t, finder, &mockPublisher{}, nil)

	if s.Clear(7) {
		t.Error("Clear(7) = true before any alert")
	}
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !s.Clear(7) {
		t.Error("Clear(7) = false, want true")
	}
	if _, ok := s.AlertState(7); ok {
		t.Error("AlertState(7) still active after Clear")
	}
	if s.Clear(7) {
		t.Error("second Clear(7) = true, want false")
	}
}

func TestStartStop(t *testing.T) {
	finder := &fakeFinder{}
	s, err := NewScheduler(Options{
		Finder:    finder,
		Publisher: &mockPublisher{},
		Interval:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for finder.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if finder.callCount() < 2 {
		t.Errorf("DueInstances calls = %d, want at least 2", finder.callCount())
	}

	s.Stop()
	s.Stop()

	calls := finder.callCount()
	time.Sleep(30 * time.Millisecond)
	if got := finder.callCount(); got != calls {
		t.Errorf("DueInstances called %d more times after Stop", got-calls)
	}
}

func TestRunOnce_WithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: ":memory:", BusyTimeout: 1})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	exec := func(query string, args ...any) int64 {
		t.Helper()
		res, err := db.DB.Exec(query, args...)
		if err != nil {
			t.Fatalf("exec %q: %v", query, err)
		}
		id, _ := res.LastInsertId() //nolint:errcheck // sqlite always supports LastInsertId
		return id
	}

	user := exec("INSERT INTO users (email) VALUES ('ana@example.com')")
	active := exec("INSERT INTO devices (nickname) VALUES ('kitchen')")
	inactive := exec("INSERT INTO devices (nickname) VALUES ('old')")
	exec("INSERT INTO device_pairings (device_id, user_id) VALUES (?, ?)", active, user)
	exec("INSERT INTO device_pairings (device_id, user_id, active) VALUES (?, ?, 0)", inactive, user)
	med := exec("INSERT INTO medications (user_id, name) VALUES (?, 'Metformin')", user)
	due := exec("INSERT INTO dose_instances (med_id, scheduled_at) VALUES (?, ?)", med, dose.FormatTime(now.Add(-20*time.Second)))
	exec("INSERT INTO dose_instances (med_id, scheduled_at) VALUES (?, ?)", med, dose.FormatTime(now.Add(-2*time.Hour)))
	exec("INSERT INTO dose_instances (med_id, scheduled_at, status) VALUES (?, ?, 'taken')", med, dose.FormatTime(now.Add(-10*time.Second)))

	pub := &mockPublisher{}
	s := newTestScheduler(t, dose.NewSQLiteRepository(db.DB), pub, nil)

	n, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("RunOnce() = %d, want 1", n)
	}
	st, ok := s.AlertState(active)
	if !ok || st.InstanceID != due {
		t.Errorf("AlertState(%d) = %+v, %v; want instance %d", active, st, ok, due)
	}
	if _, ok := s.AlertState(inactive); ok {
		t.Error("inactive pairing was alerted")
	}

	var status string
	if err := db.DB.QueryRow("SELECT status FROM dose_instances WHERE instance_id = ?", due).Scan(&status); err != nil {
		t.Fatalf("reading status: %v", err)
	}
	if status != "pending" {
		t.Errorf("status = %q, want pending", status)
	}
}
