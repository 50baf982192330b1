package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pillpal/pillpal-core/internal/device"
	"github.com/pillpal/pillpal-core/internal/dose"
	"github.com/pillpal/pillpal-core/internal/infrastructure/mqtt"
)

// Outcomes reported to the metrics writer, one per message.
const (
	OutcomeRecorded         = "recorded"
	OutcomeDecodeError      = "decode_error"
	OutcomeDeviceNotFound   = "device_not_found"
	OutcomeInstanceNotFound = "instance_not_found"
	OutcomeLookupError      = "lookup_error"
	OutcomeWriteFailed      = "write_failed"
)

// defaultStoreTimeout bounds each lookup when Options.StoreTimeout is zero.
const defaultStoreTimeout = 5 * time.Second

// DeviceResolver resolves a device-reported identifier.
type DeviceResolver interface {
	FindByIdentifier(ctx context.Context, identifier string) (*device.Device, error)
}

// InstanceResolver picks the dose instance an event refers to.
type InstanceResolver interface {
	LatestInstanceForDevice(ctx context.Context, deviceID int64) (*dose.Instance, error)
}

// EventRecorder persists a classified event.
type EventRecorder interface {
	Record(ctx context.Context, rec dose.Record) dose.RecordResult
}

// AlertClearer forgets the alert a device is currently sounding.
type AlertClearer interface {
	Clear(deviceID int64) bool
}

// MetricsWriter receives per-message telemetry. Implementations must not block.
type MetricsWriter interface {
	WriteIngestOutcome(deviceIdentifier, outcome string, elapsed time.Duration)
	WriteDoseEvent(instanceID int64, eventType string)
}

// Subscriber is the transport the coordinator consumes from.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Logger is the logging surface the coordinator uses.
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

// Options configures a Coordinator. Devices, Instances and Recorder are
// required; the rest are optional.
type Options struct {
	Devices   DeviceResolver
	Instances InstanceResolver
	Recorder  EventRecorder

	Alerts    AlertClearer
	Metrics   MetricsWriter
	Transport Subscriber
	Logger    Logger

	// StoreTimeout bounds each lookup.
	StoreTimeout time.Duration

	// Topic is the subscription filter used by Start.
	Topic string

	// QoS is the subscription QoS used by Start.
	QoS byte
}

// Metrics is a snapshot of the coordinator's counters.
type Metrics struct {
	MessagesReceived  uint64 `json:"messages_received"`
	DecodeErrors      uint64 `json:"decode_errors"`
	DevicesNotFound   uint64 `json:"devices_not_found"`
	InstancesNotFound uint64 `json:"instances_not_found"`
	LookupErrors      uint64 `json:"lookup_errors"`
	EventsRecorded    uint64 `json:"events_recorded"`
	EventWriteErrors  uint64 `json:"event_write_errors"`
	StatusUpdates     uint64 `json:"status_updates"`
	StatusWriteErrors uint64 `json:"status_write_errors"`
	AlertsCleared     uint64 `json:"alerts_cleared"`
}

type counters struct {
	received          atomic.Uint64
	decodeErrors      atomic.Uint64
	devicesNotFound   atomic.Uint64
	instancesNotFound atomic.Uint64
	lookupErrors      atomic.Uint64
	eventsRecorded    atomic.Uint64
	eventWriteErrors  atomic.Uint64
	statusUpdates     atomic.Uint64
	statusWriteErrors atomic.Uint64
	alertsCleared     atomic.Uint64
}

// Coordinator runs the ingest pipeline for each device message.
//
// Thread Safety:
//   - HandleMessage may be called concurrently; it shares no mutable state
//     beyond atomic counters.
//   - Start and Stop are safe to call from any goroutine.
type Coordinator struct {
	decoder   *Decoder
	devices   DeviceResolver
	instances InstanceResolver
	recorder  EventRecorder
	alerts    AlertClearer
	metrics   MetricsWriter
	transport Subscriber
	logger    Logger

	storeTimeout time.Duration
	topic        string
	qos          byte

	// ctx is the base context for every store call; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	counters counters
}

// NewCoordinator creates a Coordinator from opts.
func NewCoordinator(opts Options) (*Coordinator, error) {
	switch {
	case opts.Devices == nil:
		return nil, fmt.Errorf("%w: device resolver", ErrMissingDependency)
	case opts.Instances == nil:
		return nil, fmt.Errorf("%w: instance resolver", ErrMissingDependency)
	case opts.Recorder == nil:
		return nil, fmt.Errorf("%w: event recorder", ErrMissingDependency)
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	topic := opts.Topic
	if topic == "" {
		topic = mqtt.Topics{}.AllDeviceEvents()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		decoder:      NewDecoder(),
		devices:      opts.Devices,
		instances:    opts.Instances,
		recorder:     opts.Recorder,
		alerts:       opts.Alerts,
		metrics:      opts.Metrics,
		transport:    opts.Transport,
		logger:       logger,
		storeTimeout: timeout,
		topic:        topic,
		qos:          opts.QoS,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start subscribes HandleMessage to the configured topic. Cancelling ctx
// has the same effect as Stop on in-flight store calls.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.transport == nil {
		return ErrNoTransport
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	if err := c.transport.Subscribe(c.topic, c.qos, c.HandleMessage); err != nil {
		return fmt.Errorf("subscribing to %s: %w", c.topic, err)
	}
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
			c.cancel()
		case <-c.ctx.Done():
		}
	}()

	c.logger.Info("ingest coordinator started", "topic", c.topic, "qos", c.qos)
	return nil
}

// Stop unsubscribes and cancels in-flight store calls. Safe to call
// multiple times.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()

		if started {
			if err := c.transport.Unsubscribe(c.topic); err != nil {
				c.logger.Warn("ingest unsubscribe failed", "topic", c.topic, "error", err)
			}
		}

		c.cancel()
		c.wg.Wait()

		if started {
			c.logger.Info("ingest coordinator stopped")
		}
	})
}

// HandleMessage runs one message through the pipeline. It always returns
// nil: every failure is logged, counted and dropped.
func (c *Coordinator) HandleMessage(topic string, payload []byte) error {
	start := time.Now()
	traceID := uuid.NewString()
	c.counters.received.Add(1)

	ev, err := c.decoder.Decode(payload)
	if err != nil {
		c.counters.decodeErrors.Add(1)
		c.logger.Warn("dropping malformed device message",
			"trace_id", traceID,
			"topic", topic,
			"payload_bytes", len(payload),
			"error", err,
		)
		c.finish("", OutcomeDecodeError, start)
		return nil
	}

	identifier := ev.DeviceID
	if name := mqtt.DeviceNameFromTopic(topic); name != "" && name != identifier {
		c.logger.Debug("topic device name differs from payload device_id",
			"trace_id", traceID,
			"topic", topic,
			"device_identifier", identifier,
		)
	}

	dev, err := c.findDevice(identifier)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			c.counters.devicesNotFound.Add(1)
			c.logger.Warn("unknown device",
				"trace_id", traceID,
				"device_identifier", identifier,
			)
			c.finish(identifier, OutcomeDeviceNotFound, start)
			return nil
		}
		c.counters.lookupErrors.Add(1)
		c.logger.Error("device lookup failed",
			"trace_id", traceID,
			"device_identifier", identifier,
			"error", err,
		)
		c.finish(identifier, OutcomeLookupError, start)
		return nil
	}

	inst, err := c.latestInstance(dev.ID)
	if err != nil {
		if errors.Is(err, dose.ErrInstanceNotFound) {
			c.counters.instancesNotFound.Add(1)
			c.logger.Warn("no dose instance for device",
				"trace_id", traceID,
				"device_identifier", identifier,
				"device_id", dev.ID,
			)
			c.finish(identifier, OutcomeInstanceNotFound, start)
			return nil
		}
		c.counters.lookupErrors.Add(1)
		c.logger.Error("dose instance lookup failed",
			"trace_id", traceID,
			"device_identifier", identifier,
			"device_id", dev.ID,
			"error", err,
		)
		c.finish(identifier, OutcomeLookupError, start)
		return nil
	}

	eventType := ev.EventType()
	res := c.recorder.Record(c.ctx, dose.Record{
		InstanceID: inst.ID,
		EventType:  eventType,
		Meta:       ev.Raw,
		Timestamp:  ev.TimestampText(),
	})

	if res.EventErr != nil {
		c.counters.eventWriteErrors.Add(1)
		c.logger.Error("dose event write failed",
			"trace_id", traceID,
			"device_id", dev.ID,
			"instance_id", inst.ID,
			"event_type", eventType,
			"error", res.EventErr,
		)
	} else {
		c.counters.eventsRecorded.Add(1)
		if c.metrics != nil {
			c.metrics.WriteDoseEvent(inst.ID, string(eventType))
		}
	}

	if eventType.IsAck() {
		if res.StatusErr != nil {
			c.counters.statusWriteErrors.Add(1)
			c.logger.Error("dose status update failed",
				"trace_id", traceID,
				"device_id", dev.ID,
				"instance_id", inst.ID,
				"error", res.StatusErr,
			)
		} else if res.StatusUpdated {
			c.counters.statusUpdates.Add(1)
			c.clearAlert(traceID, dev.ID)
		}
	}

	outcome := OutcomeRecorded
	if res.Err() != nil {
		outcome = OutcomeWriteFailed
	} else {
		c.logger.Info("dose event recorded",
			"trace_id", traceID,
			"device_identifier", identifier,
			"device_id", dev.ID,
			"matched_by", dev.MatchedBy,
			"instance_id", inst.ID,
			"event_type", eventType,
			"event_id", res.EventID,
		)
	}
	c.finish(identifier, outcome, start)
	return nil
}

// Metrics returns a snapshot of the counters.
func (c *Coordinator) Metrics() Metrics {
	return Metrics{
		MessagesReceived:  c.counters.received.Load(),
		DecodeErrors:      c.counters.decodeErrors.Load(),
		DevicesNotFound:   c.counters.devicesNotFound.Load(),
		InstancesNotFound: c.counters.instancesNotFound.Load(),
		LookupErrors:      c.counters.lookupErrors.Load(),
		EventsRecorded:    c.counters.eventsRecorded.Load(),
		EventWriteErrors:  c.counters.eventWriteErrors.Load(),
		StatusUpdates:     c.counters.statusUpdates.Load(),
		StatusWriteErrors: c.counters.statusWriteErrors.Load(),
		AlertsCleared:     c.counters.alertsCleared.Load(),
	}
}

func (c *Coordinator) findDevice(identifier string) (*device.Device, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.storeTimeout)
	defer cancel()
	return c.devices.FindByIdentifier(ctx, identifier)
}

func (c *Coordinator) latestInstance(deviceID int64) (*dose.Instance, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.storeTimeout)
	defer cancel()
	return c.instances.LatestInstanceForDevice(ctx, deviceID)
}

func (c *Coordinator) clearAlert(traceID string, deviceID int64) {
	if c.alerts == nil {
		return
	}
	if c.alerts.Clear(deviceID) {
		c.counters.alertsCleared.Add(1)
		c.logger.Info("device alert cleared by acknowledgement",
			"trace_id", traceID,
			"device_id", deviceID,
		)
	}
}

func (c *Coordinator) finish(identifier, outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.WriteIngestOutcome(identifier, outcome, time.Since(start))
}
