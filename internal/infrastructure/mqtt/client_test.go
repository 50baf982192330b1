package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pillpal/pillpal-core/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "pillpal-test",
			TLS:      false,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// fakeMessage satisfies pahomqtt.Message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// recordingLogger captures log calls.
type recordingLogger struct {
	mu     sync.Mutex
	infos  []string
	warns  []string
	errors []string
}

func (l *recordingLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"DeviceEvent", Topics{}.DeviceEvent("dispenser-kitchen"), "pillpal/device/dispenser-kitchen"},
		{"DeviceCommand", Topics{}.DeviceCommand(17), "pillpal/command/17"},
		{"SystemStatus", Topics{}.SystemStatus(), "pillpal/system/status"},
		{"AllDeviceEvents", Topics{}.AllDeviceEvents(), "pillpal/device/#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}
}

func TestCommandTopicOutsideDeviceSubscription(t *testing.T) {
	cmd := Topics{}.DeviceCommand(1)
	if strings.HasPrefix(cmd, TopicPrefixDevice+"/") {
		t.Errorf("DeviceCommand() = %q, must not be under %q", cmd, TopicPrefixDevice)
	}
}

func TestDeviceNameFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"pillpal/device/dispenser-kitchen", "dispenser-kitchen"},
		{"pillpal/device/dispenser-kitchen/events", "dispenser-kitchen"},
		{"pillpal/device/", ""},
		{"pillpal/device", ""},
		{"pillpal/command/17", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			if got := DeviceNameFromTopic(tt.topic); got != tt.want {
				t.Errorf("DeviceNameFromTopic(%q) = %q, want %q", tt.topic, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Options Tests
// =============================================================================

func TestBuildStatusPayload(t *testing.T) {
	raw := buildStatusPayload("pillpal-core", statusOffline, "graceful_shutdown")

	var p statusPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("status payload is not JSON: %v (%s)", err, raw)
	}
	if p.Status != statusOffline {
		t.Errorf("Status = %q, want %q", p.Status, statusOffline)
	}
	if p.ClientID != "pillpal-core" {
		t.Errorf("ClientID = %q, want %q", p.ClientID, "pillpal-core")
	}
	if p.Reason != "graceful_shutdown" {
		t.Errorf("Reason = %q, want %q", p.Reason, "graceful_shutdown")
	}
	if p.Timestamp == "" {
		t.Error("Timestamp is empty")
	}
}

func TestBuildStatusPayload_OmitsEmptyReason(t *testing.T) {
	raw := buildStatusPayload("pillpal-core", statusOnline, "")
	if strings.Contains(raw, "reason") {
		t.Errorf("online payload = %s, want no reason field", raw)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "core"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "pillpal-test" {
		t.Errorf("ClientID = %q, want %q", opts.ClientID, "pillpal-test")
	}
	if opts.Username != "core" {
		t.Errorf("Username = %q, want %q", opts.Username, "core")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if !opts.CleanSession {
		t.Error("CleanSession = false, want true")
	}
}

func TestBuildClientOptions_TLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := buildClientOptions(cfg)

	if opts.Servers[0].String() != "ssl://127.0.0.1:8883" {
		t.Errorf("Servers[0] = %s, want ssl://127.0.0.1:8883", opts.Servers[0])
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Error("TLSConfig not set with minimum version")
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, "pillpal-test")

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false, want true")
	}
	if opts.WillTopic != "pillpal/system/status" {
		t.Errorf("WillTopic = %q, want %q", opts.WillTopic, "pillpal/system/status")
	}
	if !opts.WillRetained {
		t.Error("WillRetained = false, want true")
	}
	if !strings.Contains(string(opts.WillPayload), "unexpected_disconnect") {
		t.Errorf("WillPayload = %s, want unexpected_disconnect reason", opts.WillPayload)
	}
}

// =============================================================================
// Client Tests (no broker)
// =============================================================================

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	c := &Client{}
	if c.IsConnected() {
		t.Error("IsConnected() = true for new client, want false")
	}
}

func TestHealthCheckDisconnected(t *testing.T) {
	c := &Client{}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	c := &Client{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestPublishValidation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		wantErr error
	}{
		{"empty topic", "", 1, []byte("x"), ErrInvalidTopic},
		{"wildcard topic", "pillpal/command/+", 1, []byte("x"), ErrInvalidTopic},
		{"invalid qos", "pillpal/command/1", 3, []byte("x"), ErrInvalidQoS},
		{"oversized payload", "pillpal/command/1", 1, make([]byte, maxPayloadSize+1), ErrPublishFailed},
		{"disconnected", "pillpal/command/1", 1, []byte("x"), ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty topic", "", 1, noop, ErrInvalidTopic},
		{"invalid qos", "pillpal/device/#", 3, noop, ErrInvalidQoS},
		{"nil handler", "pillpal/device/#", 1, nil, ErrSubscribeFailed},
		{"disconnected", "pillpal/device/#", 1, noop, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
			if c.HasSubscription(tt.topic) {
				t.Errorf("HasSubscription(%q) = true after failed Subscribe", tt.topic)
			}
		})
	}
}

func TestUnsubscribeValidation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}

	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Unsubscribe("pillpal/device/#"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestWrapHandler_DeliversTopicAndPayload(t *testing.T) {
	c := &Client{}
	var gotTopic string
	var gotPayload []byte

	h := c.wrapHandler(func(topic string, payload []byte) error {
		gotTopic = topic
		gotPayload = payload
		return nil
	})
	h(nil, fakeMessage{topic: "pillpal/device/d1", payload: []byte(`{"event":"pill_taken"}`)})

	if gotTopic != "pillpal/device/d1" {
		t.Errorf("topic = %q, want %q", gotTopic, "pillpal/device/d1")
	}
	if string(gotPayload) != `{"event":"pill_taken"}` {
		t.Errorf("payload = %s, want pill_taken event", gotPayload)
	}
}

func TestWrapHandler_RecoversPanic(t *testing.T) {
	c := &Client{}
	logger := &recordingLogger{}
	c.SetLogger(logger)

	h := c.wrapHandler(func(string, []byte) error {
		panic("boom")
	})
	h(nil, fakeMessage{topic: "pillpal/device/d1"})

	if len(logger.errors) != 1 {
		t.Fatalf("logged %d errors, want 1", len(logger.errors))
	}
}

func TestWrapHandler_LogsHandlerError(t *testing.T) {
	c := &Client{}
	logger := &recordingLogger{}
	c.SetLogger(logger)

	h := c.wrapHandler(func(string, []byte) error {
		return fmt.Errorf("handler failed")
	})
	h(nil, fakeMessage{topic: "pillpal/device/d1"})

	if len(logger.warns) != 1 {
		t.Errorf("logged %d warnings, want 1", len(logger.warns))
	}
}

func TestWrapHandler_NoLogger(t *testing.T) {
	c := &Client{}
	h := c.wrapHandler(func(string, []byte) error {
		panic("boom")
	})

	// Must not panic without a logger.
	h(nil, fakeMessage{topic: "pillpal/device/d1"})
}

func TestCallbacks(t *testing.T) {
	c := &Client{}
	var disconnectErr error
	c.SetOnDisconnect(func(err error) { disconnectErr = err })

	c.handleDisconnect(errors.New("link lost"))

	if disconnectErr == nil || disconnectErr.Error() != "link lost" {
		t.Errorf("onDisconnect error = %v, want link lost", disconnectErr)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
}

func TestConnect_BrokerRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999
	cfg.Broker.ClientID = "pillpal-test-refused"

	_, err := Connect(cfg)
	if err == nil {
		t.Fatal("Connect() expected error for unreachable broker")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}
