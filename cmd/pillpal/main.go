// PillPal Core - medication adherence device-event ingestion.
//
// The core subscribes to dispenser events over MQTT, resolves each event to
// the dose it refers to, appends it to the dose event log and marks doses
// taken when the patient acknowledges them. An optional scheduler publishes
// alert commands to dispensers when a dose comes due.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/pillpal/pillpal-core/migrations"

	"github.com/pillpal/pillpal-core/internal/alert"
	"github.com/pillpal/pillpal-core/internal/device"
	"github.com/pillpal/pillpal-core/internal/dose"
	"github.com/pillpal/pillpal-core/internal/infrastructure/config"
	"github.com/pillpal/pillpal-core/internal/infrastructure/database"
	"github.com/pillpal/pillpal-core/internal/infrastructure/influxdb"
	"github.com/pillpal/pillpal-core/internal/infrastructure/logging"
	"github.com/pillpal/pillpal-core/internal/infrastructure/mqtt"
	"github.com/pillpal/pillpal-core/internal/ingest"
)

// Set at build time:
//
//	go build -ldflags "-X main.version=1.2.0 -X main.commit=$(git rev-parse --short HEAD)"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configPathEnv     = "PILLPAL_CONFIG"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pillpal: %v\n", err)
		os.Exit(1)
	}
}

// run wires the service together and blocks until ctx is cancelled.
// Components are released by defers in reverse start order.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("pillpal core starting", "version", version, "commit", commit, "build_date", date)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", configPath, err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("config loaded", "path", configPath, "service_id", cfg.Service.ID)

	db, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer closeWith(log, "database", db.Close)

	// The sink is opened before the broker so it is closed after it; no
	// message delivered during broker shutdown writes to a closed sink.
	sink, err := connectSink(ctx, cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	defer closeWith(log, "influxdb", sink.Close)

	broker, err := connectBroker(cfg.MQTT, log)
	if err != nil {
		return err
	}
	defer closeWith(log, "mqtt", broker.Close)

	if err := healthCheck(ctx, db, broker, sink); err != nil {
		return fmt.Errorf("health check: %w", err)
	}

	doses := dose.NewSQLiteRepository(db.DB)

	var scheduler *alert.Scheduler
	if cfg.Alerts.Enabled {
		scheduler, err = startScheduler(ctx, cfg, doses, broker, sink, log)
		if err != nil {
			return err
		}
		defer scheduler.Stop()
	} else {
		log.Info("alert scheduler disabled")
	}

	coordinator, err := startCoordinator(ctx, cfg, db, doses, broker, sink, scheduler, log)
	if err != nil {
		return err
	}
	defer func() {
		coordinator.Stop()
		logTotals(log, coordinator.Metrics())
	}()

	log.Info("ready", "topic", cfg.Ingest.Topic)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// openStore opens SQLite and brings the schema up to date.
func openStore(ctx context.Context, cfg config.DatabaseConfig, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	log.Info("database ready", "path", cfg.Path)
	return db, nil
}

func connectBroker(cfg config.MQTTConfig, log *logging.Logger) (*mqtt.Client, error) {
	client, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	mqttLog := log.With("component", "mqtt")
	client.SetLogger(mqttLog)
	client.SetOnConnect(func() { mqttLog.Info("broker link up") })
	client.SetOnDisconnect(func(err error) { mqttLog.Warn("broker link lost", "error", err) })

	mqttLog.Info("broker connected", "host", cfg.Broker.Host, "port", cfg.Broker.Port, "client_id", cfg.Broker.ClientID)
	return client, nil
}

// connectSink returns a nil client, and no error, when InfluxDB is disabled.
func connectSink(ctx context.Context, cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(ctx, cfg)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("influxdb sink disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to influxdb: %w", err)
	}

	sinkLog := log.With("component", "influxdb")
	client.SetOnError(func(err error) { sinkLog.Error("point write failed", "error", err) })
	sinkLog.Info("sink connected", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return client, nil
}

func startCoordinator(
	ctx context.Context,
	cfg *config.Config,
	db *database.DB,
	doses *dose.SQLiteRepository,
	broker *mqtt.Client,
	sink *influxdb.Client,
	scheduler *alert.Scheduler,
	log *logging.Logger,
) (*ingest.Coordinator, error) {
	opts := ingest.Options{
		Devices:      device.NewSQLiteRepository(db.DB),
		Instances:    doses,
		Recorder:     dose.NewRecorder(doses, cfg.GetStoreTimeout()),
		Transport:    broker,
		Logger:       log.With("component", "ingest"),
		StoreTimeout: cfg.GetStoreTimeout(),
		Topic:        cfg.Ingest.Topic,
		QoS:          byte(cfg.MQTT.QoS),
	}
	// Typed nils must not reach the interface fields.
	if scheduler != nil {
		opts.Alerts = scheduler
	}
	if sink != nil {
		opts.Metrics = sink
	}

	coordinator, err := ingest.NewCoordinator(opts)
	if err != nil {
		return nil, fmt.Errorf("creating ingest coordinator: %w", err)
	}
	if err := coordinator.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting ingest coordinator: %w", err)
	}
	return coordinator, nil
}

func logTotals(log *logging.Logger, m ingest.Metrics) {
	log.Info("ingest totals",
		"received", m.MessagesReceived,
		"recorded", m.EventsRecorded,
		"decode_errors", m.DecodeErrors,
		"devices_not_found", m.DevicesNotFound,
		"instances_not_found", m.InstancesNotFound,
		"lookup_errors", m.LookupErrors,
		"event_write_errors", m.EventWriteErrors,
		"status_updates", m.StatusUpdates,
		"status_write_errors", m.StatusWriteErrors,
		"alerts_cleared", m.AlertsCleared,
	)
}

func closeWith(log *logging.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Error("close failed", "component", name, "error", err)
	}
}

// getConfigPath returns PILLPAL_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv(configPathEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck probes every connected dependency. sink may be nil.
func healthCheck(ctx context.Context, db *database.DB, broker *mqtt.Client, sink *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := broker.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if sink != nil {
		if err := sink.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

func startScheduler(ctx context.Context, cfg *config.Config, finder alert.DueFinder, broker *mqtt.Client, sink *influxdb.Client, log *logging.Logger) (*alert.Scheduler, error) {
	opts := alert.Options{
		Finder:    finder,
		Publisher: broker,
		Logger:    log.With("component", "alert"),
		Interval:  cfg.GetAlertInterval(),
		Window:    cfg.GetAlertWindow(),
		QoS:       byte(cfg.MQTT.QoS),
	}
	if sink != nil {
		opts.Metrics = sink
	}

	scheduler, err := alert.NewScheduler(opts)
	if err != nil {
		return nil, fmt.Errorf("creating alert scheduler: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting alert scheduler: %w", err)
	}
	return scheduler, nil
}
