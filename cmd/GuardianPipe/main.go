package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BTreeMap/GuardianPipe/internal/announce"
	"github.com/BTreeMap/GuardianPipe/internal/api"
	"github.com/BTreeMap/GuardianPipe/internal/engine"
	"github.com/BTreeMap/GuardianPipe/internal/events"
	"github.com/BTreeMap/GuardianPipe/internal/location"
	"github.com/BTreeMap/GuardianPipe/internal/lockfile"
	"github.com/BTreeMap/GuardianPipe/internal/messaging"
	"github.com/BTreeMap/GuardianPipe/internal/metrics"
	"github.com/BTreeMap/GuardianPipe/internal/store"
	"github.com/BTreeMap/GuardianPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for GuardianPipe state data
	DefaultStateDir = "/var/lib/guardianpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "guardianpipe.db"
	// DefaultDeviceID identifies the paired device on the MQTT broker
	DefaultDeviceID = "guardian-device"
	// DefaultLogLevel is used when LOG_LEVEL is unset or invalid
	DefaultLogLevel = "debug"
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Initialize structured logger
	initializeLogger(config.LogLevel)

	// Parse command line flags
	flags, err := parseCommandLineFlags(config, flag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping GuardianPipe with configured modules")
	if err := run(ctx, flags); err != nil {
		slog.Error("GuardianPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("GuardianPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	APIAddr          string
	SMSBackendURL    string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	MQTTBroker       string
	MQTTDeviceID     string
	AMQPURL          string
	GeocoderURL      string
	CheckInSchedule  string
	UserName         string
	LogLevel         string
	AnnounceToDevice bool
	CircleInterval   time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir         *string
	dbDSN            *string
	redisAddr        *string
	apiAddr          *string
	smsBackend       *string
	mqttBroker       *string
	deviceID         *string
	amqpURL          *string
	geocoderURL      *string
	checkIn          *string
	userName         *string
	announceToDevice *bool
	circleInterval   *time.Duration

	twilioSID   string
	twilioToken string
	twilioFrom  string
	redisPass   string
	redisDB     int
}

// initializeLogger sets up structured logging at the requested level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseLogLevel maps a LOG_LEVEL value to a slog level, defaulting to debug
func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelDebug
	}
	return l
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("GUARDIAN_STATE_DIR"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          util.ParseIntEnv("REDIS_DB", 0),
		APIAddr:          os.Getenv("API_ADDR"),
		SMSBackendURL:    os.Getenv("SMS_BACKEND_URL"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		MQTTBroker:       os.Getenv("MQTT_BROKER"),
		MQTTDeviceID:     os.Getenv("MQTT_DEVICE_ID"),
		AMQPURL:          os.Getenv("AMQP_URL"),
		GeocoderURL:      os.Getenv("GEOCODER_URL"),
		CheckInSchedule:  os.Getenv("CHECKIN_SCHEDULE"),
		UserName:         os.Getenv("USER_NAME"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		AnnounceToDevice: util.ParseBoolEnv("ANNOUNCE_TO_DEVICE", true),
		CircleInterval:   util.ParseDurationEnv("CIRCLE_INTERVAL", 5*time.Minute),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No GUARDIAN_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.MQTTDeviceID == "" {
		config.MQTTDeviceID = DefaultDeviceID
	}
	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}

	slog.Debug("environment variables loaded",
		"GUARDIAN_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_ADDR", config.RedisAddr,
		"API_ADDR", config.APIAddr,
		"SMS_BACKEND_URL", config.SMSBackendURL,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"MQTT_BROKER", config.MQTTBroker,
		"MQTT_DEVICE_ID", config.MQTTDeviceID,
		"AMQP_URL_SET", config.AMQPURL != "",
		"GEOCODER_URL", config.GeocoderURL,
		"CHECKIN_SCHEDULE", config.CheckInSchedule,
		"LOG_LEVEL", config.LogLevel,
		"ANNOUNCE_TO_DEVICE", config.AnnounceToDevice)

	return config
}

// parseCommandLineFlags parses args with environment defaults
func parseCommandLineFlags(config Config, fs *flag.FlagSet, args []string) (Flags, error) {
	flags := Flags{
		stateDir:         fs.String("state-dir", config.StateDir, "state directory for GuardianPipe data (overrides $GUARDIAN_STATE_DIR)"),
		dbDSN:            fs.String("db-dsn", config.DatabaseURL, "Postgres DSN or SQLite path (overrides $DATABASE_URL; default SQLite in state dir)"),
		redisAddr:        fs.String("redis-addr", config.RedisAddr, "Redis address for the state store (overrides $REDIS_ADDR)"),
		apiAddr:          fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		smsBackend:       fs.String("sms-backend", config.SMSBackendURL, "SMS backend base URL (overrides $SMS_BACKEND_URL)"),
		mqttBroker:       fs.String("mqtt-broker", config.MQTTBroker, "MQTT broker URL for the paired device (overrides $MQTT_BROKER)"),
		deviceID:         fs.String("device-id", config.MQTTDeviceID, "paired device id (overrides $MQTT_DEVICE_ID)"),
		amqpURL:          fs.String("amqp-url", config.AMQPURL, "AMQP URL for event publishing (overrides $AMQP_URL)"),
		geocoderURL:      fs.String("geocoder-url", config.GeocoderURL, "reverse geocoder base URL (overrides $GEOCODER_URL)"),
		checkIn:          fs.String("checkin-schedule", config.CheckInSchedule, "cron schedule for check-in alerts (overrides $CHECKIN_SCHEDULE)"),
		userName:         fs.String("user-name", config.UserName, "name alerts are sent on behalf of (overrides $USER_NAME)"),
		announceToDevice: fs.Bool("announce-to-device", config.AnnounceToDevice, "speak announcements on the paired device (overrides $ANNOUNCE_TO_DEVICE)"),
		circleInterval:   fs.Duration("circle-interval", config.CircleInterval, "emergency circle update interval (overrides $CIRCLE_INTERVAL)"),

		twilioSID:   config.TwilioAccountSID,
		twilioToken: config.TwilioAuthToken,
		twilioFrom:  config.TwilioFromNumber,
		redisPass:   config.RedisPassword,
		redisDB:     config.RedisDB,
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Default to SQLite inside the (possibly overridden) state directory
	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *flags.dbDSN)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"redisAddr", *flags.redisAddr,
		"apiAddr", *flags.apiAddr,
		"smsBackend", *flags.smsBackend,
		"mqttBroker", *flags.mqttBroker,
		"deviceID", *flags.deviceID,
		"checkIn", *flags.checkIn,
		"circleInterval", *flags.circleInterval)

	return flags, nil
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if *flags.redisAddr != "" || store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	switch {
	case *flags.redisAddr != "":
		slog.Debug("Redis address provided, configuring Redis store", "addr", *flags.redisAddr, "db", flags.redisDB)
		storeOpts = append(storeOpts, store.WithRedis(*flags.redisAddr, flags.redisPass, flags.redisDB))
	case *flags.dbDSN == "":
		slog.Debug("No database DSN provided, will use in-memory store")
	case store.DetectDSNType(*flags.dbDSN) == "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	}
	return storeOpts
}

// buildPrimaryChannel picks the network delivery channel: Twilio when
// credentials are present, otherwise the SMS backend, otherwise none.
func buildPrimaryChannel(flags Flags) (messaging.Channel, error) {
	if flags.twilioSID != "" && flags.twilioToken != "" {
		client, err := messaging.NewTwilioClient(
			messaging.WithAccountSID(flags.twilioSID),
			messaging.WithAuthToken(flags.twilioToken),
			messaging.WithFromNumber(flags.twilioFrom),
		)
		if err != nil {
			return nil, fmt.Errorf("twilio client: %w", err)
		}
		slog.Debug("Primary channel configured", "channel", messaging.ChannelTwilio)
		return messaging.NewTwilioChannel(client), nil
	}
	if *flags.smsBackend != "" {
		slog.Debug("Primary channel configured", "channel", messaging.ChannelHTTP, "backend", *flags.smsBackend)
		return messaging.NewHTTPChannel(*flags.smsBackend), nil
	}
	slog.Warn("No primary channel configured; alerts will use device notifications only")
	return nil, nil
}

// deviceLink holds the MQTT-backed device collaborators.
type deviceLink struct {
	client   mqtt.Client
	provider *location.MQTTProvider
	sink     announce.Sink
	notify   messaging.NotifyFunc
}

func (d *deviceLink) close() {
	if d == nil {
		return
	}
	d.provider.Stop()
	d.client.Disconnect(250)
}

// connectDevice connects to the MQTT broker when one is configured.
func connectDevice(flags Flags) (*deviceLink, error) {
	if *flags.mqttBroker == "" {
		slog.Warn("No MQTT broker configured; location tracking unavailable")
		return nil, nil
	}
	client, err := location.NewMQTTClient(*flags.mqttBroker, "guardianpipe-"+*flags.deviceID)
	if err != nil {
		return nil, err
	}
	provider := location.NewMQTTProvider(client, *flags.deviceID)
	if err := provider.Start(); err != nil {
		client.Disconnect(250)
		return nil, err
	}

	link := &deviceLink{
		client:   client,
		provider: provider,
		sink:     announce.LogSink{},
		notify:   messaging.MQTTNotify(client, *flags.deviceID),
	}
	if *flags.announceToDevice {
		link.sink = announce.MultiSink{announce.LogSink{}, announce.NewMQTTSink(client, *flags.deviceID)}
	}
	return link, nil
}

// buildEngineOptions constructs engine configuration options
func buildEngineOptions(flags Flags, st store.Store, m *metrics.Metrics, primary messaging.Channel, device *deviceLink, publishers ...events.Emitter) []engine.Option {
	opts := []engine.Option{
		engine.WithStore(st),
		engine.WithMetrics(m),
		engine.WithCircleInterval(*flags.circleInterval),
	}
	if primary != nil {
		opts = append(opts, engine.WithPrimaryChannel(primary))
	}
	if device != nil {
		opts = append(opts,
			engine.WithProvider(device.provider),
			engine.WithSink(device.sink),
			engine.WithFallbackChannel(messaging.NewNotificationChannel(device.notify)),
		)
	}
	if *flags.geocoderURL != "" {
		opts = append(opts, engine.WithResolver(location.NewHTTPGeocoder(*flags.geocoderURL)))
	}
	if *flags.checkIn != "" {
		opts = append(opts, engine.WithCheckInSchedule(*flags.checkIn))
	}
	if *flags.userName != "" {
		opts = append(opts, engine.WithUserName(*flags.userName))
	}
	for _, p := range publishers {
		opts = append(opts, engine.WithPublisher(p))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, m *metrics.Metrics) []api.Option {
	apiOpts := []api.Option{api.WithMetrics(m)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	primary, err := buildPrimaryChannel(flags)
	if err != nil {
		return err
	}

	device, err := connectDevice(flags)
	if err != nil {
		return fmt.Errorf("connect device: %w", err)
	}
	defer device.close()

	var publishers []events.Emitter
	if *flags.amqpURL != "" {
		pub, err := events.NewAMQPPublisher(*flags.amqpURL)
		if err != nil {
			return fmt.Errorf("connect event broker: %w", err)
		}
		defer pub.Close()
		publishers = append(publishers, pub)
	}

	eng := engine.New(buildEngineOptions(flags, st, m, primary, device, publishers...)...)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	server := api.NewServer(eng, buildAPIOptions(flags, m)...)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}
