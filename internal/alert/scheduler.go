package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pillpal/pillpal-core/internal/dose"
	"github.com/pillpal/pillpal-core/internal/infrastructure/mqtt"
)

// Defaults applied when Options leaves a duration at zero. An unset window
// is twice the interval so a late or overrunning scan still overlaps the
// previous one; the sent set suppresses the repeats.
const (
	DefaultInterval = 60 * time.Second
	DefaultWindow   = 2 * DefaultInterval
)

// CommandAlertStart is the command name sent to a device to start alerting.
const CommandAlertStart = "alert_start"

// DueFinder lists pending doses scheduled in [from, to].
type DueFinder interface {
	DueInstances(ctx context.Context, from, to time.Time) ([]dose.DueInstance, error)
}

// Publisher sends commands to devices.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MetricsWriter records published alerts. Implementations must not block.
type MetricsWriter interface {
	WriteAlert(deviceID, instanceID int64)
}

// Logger is the logging surface the scheduler uses.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Scheduler.
type Options struct {
	Finder    DueFinder
	Publisher Publisher
	Metrics   MetricsWriter // optional
	Logger    Logger        // optional

	Interval time.Duration
	Window   time.Duration
	QoS      byte

	// Now overrides the clock; tests only.
	Now func() time.Time
}

// Command is the JSON payload published to a device.
type Command struct {
	Command     string `json:"command"`
	InstanceID  int64  `json:"instance_id"`
	ScheduledAt string `json:"scheduled_at"`
	Timestamp   string `json:"timestamp"`
}

// State describes the alert a device is currently sounding.
type State struct {
	InstanceID  int64     `json:"instance_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	StartedAt   time.Time `json:"started_at"`
}

type sentKey struct {
	deviceID   int64
	instanceID int64
}

// Scheduler publishes alert commands for due doses.
//
// Thread Safety: all methods are safe for concurrent use. RunOnce calls are
// not serialised against each other; Start runs them from a single goroutine.
type Scheduler struct {
	finder    DueFinder
	publisher Publisher
	metrics   MetricsWriter
	logger    Logger
	interval  time.Duration
	window    time.Duration
	qos       byte
	now       func() time.Time

	mu     sync.Mutex
	active map[int64]State
	// sent remembers alerted pairs until their dose leaves the window.
	sent map[sentKey]time.Time

	runMu    sync.Mutex
	started  bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler creates a Scheduler. Finder and Publisher are required.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Finder == nil {
		return nil, fmt.Errorf("%w: due finder", ErrMissingDependency)
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("%w: publisher", ErrMissingDependency)
	}

	s := &Scheduler{
		finder:    opts.Finder,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		interval:  opts.Interval,
		window:    opts.Window,
		qos:       opts.QoS,
		now:       opts.Now,
		active:    make(map[int64]State),
		sent:      make(map[sentKey]time.Time),
		done:      make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.window <= 0 {
		s.window = 2 * s.interval
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// RunOnce performs one scan and returns how many commands were published.
// Publish failures do not stop the scan; they are joined into the error
// and the pair is retried on the next scan while still in the window.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()
	from := now.Add(-s.window)

	due, err := s.finder.DueInstances(ctx, from, now)
	if err != nil {
		return 0, fmt.Errorf("finding due doses: %w", err)
	}
	s.prune(from)

	published := 0
	var errs []error
	for _, d := range due {
		key := sentKey{deviceID: d.DeviceID, instanceID: d.InstanceID}
		if s.alreadySent(key) {
			continue
		}

		if err := s.publish(d, now); err != nil {
			s.logger.Warn("alert command publish failed",
				"device_id", d.DeviceID,
				"instance_id", d.InstanceID,
				"error", err,
			)
			errs = append(errs, err)
			continue
		}

		s.mu.Lock()
		s.sent[key] = d.ScheduledAt
		s.active[d.DeviceID] = State{
			InstanceID:  d.InstanceID,
			ScheduledAt: d.ScheduledAt,
			StartedAt:   now,
		}
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.WriteAlert(d.DeviceID, d.InstanceID)
		}
		s.logger.Info("alert started",
			"device_id", d.DeviceID,
			"instance_id", d.InstanceID,
			"med_id", d.MedID,
			"scheduled_at", dose.FormatTime(d.ScheduledAt),
		)
		published++
	}

	return published, errors.Join(errs...)
}

// Start runs a scan immediately and then every Interval until Stop or ctx
// cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("alert scheduler started", "interval", s.interval, "window", s.window)
	return nil
}

// Stop halts the scan loop and waits for an in-flight scan. Safe to call
// multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

// AlertState returns the device's current alert, if any.
func (s *Scheduler) AlertState(deviceID int64) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.active[deviceID]
	return st, ok
}

// Clear forgets the device's alert and reports whether one was active.
// Pairs already alerted are not re-alerted.
func (s *Scheduler) Clear(deviceID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[deviceID]
	delete(s.active, deviceID)
	return ok
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scheduler) scan(ctx context.Context) {
	n, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("alert scan failed", "published", n, "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("alert scan complete", "published", n)
	}
}

func (s *Scheduler) publish(d dose.DueInstance, now time.Time) error {
	payload, err := json.Marshal(Command{
		Command:     CommandAlertStart,
		InstanceID:  d.InstanceID,
		ScheduledAt: dose.FormatTime(d.ScheduledAt),
		Timestamp:   dose.FormatTime(now),
	})
	if err != nil {
		return fmt.Errorf("marshalling alert command: %w", err)
	}
	topic := mqtt.Topics{}.DeviceCommand(d.DeviceID)
	if err := s.publisher.Publish(topic, payload, s.qos, false); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

func (s *Scheduler) alreadySent(key sentKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sent[key]
	return ok
}

// prune drops sent entries whose dose is older than the scan window.
func (s *Scheduler) prune(from time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, scheduledAt := range s.sent {
		if scheduledAt.Before(from) {
			delete(s.sent, key)
		}
	}
}
