package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dbehnke/canfdbridge/internal/can"
	"github.com/dbehnke/canfdbridge/internal/config"
	"github.com/dbehnke/canfdbridge/internal/database"
	"github.com/dbehnke/canfdbridge/internal/device"
	"github.com/dbehnke/canfdbridge/internal/hal"
	"github.com/dbehnke/canfdbridge/internal/telemetry"
)

const (
	VERSION = "1.0.0"

	// STATUS_INTERVAL is how often the counter summary is logged
	STATUS_INTERVAL = time.Minute

	// SERIAL_READ_TIMEOUT bounds each read on the host port
	SERIAL_READ_TIMEOUT = 100 * time.Millisecond
)

// Bridge holds everything the process owns.
type Bridge struct {
	config    *config.Config
	device    *device.Device
	transport io.Closer
	db        *database.DB
	recorder  *telemetry.Recorder
}

// NewBridge loads the configuration and assembles the device.
func NewBridge(configFile string) (*Bridge, error) {
	cfg := config.NewConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := setupLogging(cfg); err != nil {
		return nil, err
	}

	devCfg, err := cfg.DeviceConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctrl, err := openController(cfg)
	if err != nil {
		return nil, err
	}

	transport, err := hal.OpenSerialTransport(hal.SerialConfig{
		Port:        cfg.GetUSBPort(),
		Baud:        int(cfg.GetUSBBaud()),
		ReadTimeout: SERIAL_READ_TIMEOUT,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open host port: %w", err)
	}

	dev, err := device.New(devCfg, ctrl, transport, newLogger("[DEV] "))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	b := &Bridge{
		config:    cfg,
		device:    dev,
		transport: transport,
	}
	b.db, b.recorder = initializeTelemetry(cfg, dev)

	return b, nil
}

// Run blocks until ctx is cancelled or the device fails.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if b.recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.recorder.Start(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.statusReporter(ctx)
	}()

	err := b.device.Run(ctx)
	cancel()
	wg.Wait()
	return err
}

// Close releases the host port and the database.
func (b *Bridge) Close() {
	if err := b.transport.Close(); err != nil {
		log.Printf("Failed to close host port: %v", err)
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			log.Printf("Failed to close database: %v", err)
		}
	}
}

func (b *Bridge) statusReporter(ctx context.Context) {
	ticker := time.NewTicker(STATUS_INTERVAL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := telemetry.Snapshot(b.device.Stats())
			log.Printf("Status: connected=%v %s", b.device.Connected(), snap)
		}
	}
}

func openController(cfg *config.Config) (can.Controller, error) {
	switch cfg.GetCANDriver() {
	case "loopback":
		log.Printf("Using loopback CAN controller")
		return hal.NewLoopbackController(true), nil
	case "socketcan":
		ctrl, err := hal.NewSocketCANController(cfg.GetCANInterface(), newLogger("[CAN] "))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", cfg.GetCANInterface(), err)
		}
		return ctrl, nil
	}
	return nil, fmt.Errorf("unknown CAN driver %q", cfg.GetCANDriver())
}

// initializeTelemetry opens the database and recorder when enabled. Failures
// are logged and the bridge runs without telemetry.
func initializeTelemetry(cfg *config.Config, dev *device.Device) (*database.DB, *telemetry.Recorder) {
	if !cfg.GetDatabaseEnabled() {
		return nil, nil
	}

	db, err := database.NewDB(database.Config{
		Path:  cfg.GetDatabasePath(),
		Debug: cfg.GetDatabaseDebug(),
	}, newLogger("[DB] "))
	if err != nil {
		log.Printf("Failed to initialize database: %v", err)
		log.Printf("Continuing without telemetry...")
		return nil, nil
	}

	recorder := telemetry.NewRecorderWithConfig(db.Telemetry(), dev, newLogger("[TEL] "), telemetry.RecorderConfig{
		SnapshotInterval: cfg.GetDatabaseSnapshotInterval(),
		Retention:        cfg.GetDatabaseRetention(),
	})

	if cfg.GetDatabaseTrace() {
		dev.Bridge().SetTrace(recorder.Trace)
		log.Printf("CAN message tracing enabled")
	}

	return db, recorder
}

func setupLogging(cfg *config.Config) error {
	if cfg.GetLogDebug() {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
	if cfg.GetLogFilePath() == "" {
		return nil
	}

	f, err := os.OpenFile(cfg.GetLogFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	return nil
}

func newLogger(prefix string) *log.Logger {
	return log.New(log.Writer(), prefix, log.LstdFlags)
}

// getDefaultConfig returns the default configuration file path
func getDefaultConfig() string {
	if _, err := os.Stat("canfdbridge.ini"); err == nil {
		return "canfdbridge.ini"
	}

	systemConfig := "/etc/canfdbridge.ini"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig
	}

	return "canfdbridge.ini"
}

func main() {
	var (
		configFile = flag.String("config", getDefaultConfig(), "Configuration file path")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("canfdbridge v%s\n", VERSION)
		return
	}

	if flag.NArg() > 0 {
		*configFile = flag.Arg(0)
	}

	log.Printf("canfdbridge v%s starting with config: %s", VERSION, *configFile)

	bridge, err := NewBridge(*configFile)
	if err != nil {
		log.Fatalf("Failed to create bridge: %v", err)
	}
	defer bridge.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := bridge.Run(ctx); err != nil {
		log.Printf("Bridge error: %v", err)
	}

	log.Printf("canfdbridge stopped")
}
