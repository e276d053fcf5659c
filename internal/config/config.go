// Package config defines the recognized option surface of martd and
// turns parsed flags plus environment variables into a validated
// runtime configuration. Every command-line option has a MARTD_
// environment mirror, plus an ENTRESOLVE_-prefixed fallback name kept
// for older deployments.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/entresolve/martd/internal/connuri"
	"github.com/entresolve/martd/internal/engine"
)

// ErrInvalid marks configuration errors. They are fatal at startup;
// nothing else in the service exits the process.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix is the primary environment-variable prefix.
const EnvPrefix = "MARTD"

// legacyEnvPrefix is honored as a fallback for configs written before
// the rename.
const legacyEnvPrefix = "ENTRESOLVE"

// Option keys. Flag names, viper keys, and (dash-to-underscore,
// uppercased) environment suffixes all derive from these.
const (
	KeyIgnoreEnvironment    = "ignore-environment"
	KeyCoreInstanceName     = "core-instance-name"
	KeyCoreSettings         = "core-settings"
	KeyCoreURI              = "core-uri"
	KeyCoreConfigID         = "core-config-id"
	KeyCoreLogLevel         = "core-log-level"
	KeyCoreConcurrency      = "core-concurrency"
	KeyRefreshConfigSeconds = "refresh-config-seconds"
	KeyProcessingRate       = "processing-rate"
	KeyDatabaseInfoQueue    = "database-info-queue"
	KeySQSInfoURI           = "sqs-info-uri"
	KeyRabbitInfoURI        = "rabbit-info-uri"
	KeyRabbitInfoQueue      = "rabbit-info-queue"
	KeyDatabaseURI          = "database-uri"
	KeyMockEngine           = "mock-engine"
)

var allKeys = []string{
	KeyIgnoreEnvironment,
	KeyCoreInstanceName,
	KeyCoreSettings,
	KeyCoreURI,
	KeyCoreConfigID,
	KeyCoreLogLevel,
	KeyCoreConcurrency,
	KeyRefreshConfigSeconds,
	KeyProcessingRate,
	KeyDatabaseInfoQueue,
	KeySQSInfoURI,
	KeyRabbitInfoURI,
	KeyRabbitInfoQueue,
	KeyDatabaseURI,
	KeyMockEngine,
}

// Register declares every recognized flag on the given set.
func Register(flags *pflag.FlagSet) {
	flags.Bool(KeyIgnoreEnvironment, false, "ignore MARTD_/ENTRESOLVE_ environment variables")
	flags.String(KeyCoreInstanceName, "martd", "instance name tag passed to the engine")
	flags.String(KeyCoreSettings, "", "engine settings as JSON text or a path to a JSON file")
	flags.String(KeyCoreURI, "", "base URL of the core engine server")
	flags.Int64(KeyCoreConfigID, 0, "pin the engine configuration version (0 = current)")
	flags.String(KeyCoreLogLevel, "muted", "engine verbosity: muted, verbose, 0, or 1")
	flags.Int(KeyCoreConcurrency, 4, "base concurrency; pool and worker sizes scale from it")
	flags.Int(KeyRefreshConfigSeconds, 0, "engine config refresh: >0 period, 0 on-demand, <0 manual")
	flags.String(KeyProcessingRate, "standard", "processing rate preset: leisurely, standard, or aggressive")
	flags.Bool(KeyDatabaseInfoQueue, false, "consume info messages from the mart database queue table")
	flags.String(KeySQSInfoURI, "", "consume info messages from this SQS queue URL")
	flags.String(KeyRabbitInfoURI, "", "consume info messages from this AMQP broker")
	flags.String(KeyRabbitInfoQueue, "", "AMQP queue name (required with --rabbit-info-uri)")
	flags.String(KeyDatabaseURI, "", "mart database connection URI")
	flags.Bool(KeyMockEngine, false, "run against an in-memory engine (development only)")
}

// Load layers environment variables under the parsed flags and returns
// the raw option values. Environment lookup is skipped entirely when
// --ignore-environment is set.
func Load(flags *pflag.FlagSet) (*Options, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	ignoreEnv, err := flags.GetBool(KeyIgnoreEnvironment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !ignoreEnv {
		for _, key := range allKeys {
			suffix := strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
			if err := v.BindEnv(key, EnvPrefix+"_"+suffix, legacyEnvPrefix+"_"+suffix); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
			}
		}
	}

	return &Options{
		IgnoreEnvironment:    v.GetBool(KeyIgnoreEnvironment),
		CoreInstanceName:     v.GetString(KeyCoreInstanceName),
		CoreSettings:         v.GetString(KeyCoreSettings),
		CoreURI:              v.GetString(KeyCoreURI),
		CoreConfigID:         v.GetInt64(KeyCoreConfigID),
		CoreLogLevel:         v.GetString(KeyCoreLogLevel),
		CoreConcurrency:      v.GetInt(KeyCoreConcurrency),
		RefreshConfigSeconds: v.GetInt(KeyRefreshConfigSeconds),
		ProcessingRate:       v.GetString(KeyProcessingRate),
		DatabaseInfoQueue:    v.GetBool(KeyDatabaseInfoQueue),
		SQSInfoURI:           v.GetString(KeySQSInfoURI),
		RabbitInfoURI:        v.GetString(KeyRabbitInfoURI),
		RabbitInfoQueue:      v.GetString(KeyRabbitInfoQueue),
		DatabaseURI:          v.GetString(KeyDatabaseURI),
		MockEngine:           v.GetBool(KeyMockEngine),
	}, nil
}

// Options holds the raw option values exactly as supplied. Resolve
// validates them and produces the runtime Config.
type Options struct {
	IgnoreEnvironment    bool
	CoreInstanceName     string
	CoreSettings         string
	CoreURI              string
	CoreConfigID         int64
	CoreLogLevel         string
	CoreConcurrency      int
	RefreshConfigSeconds int
	ProcessingRate       string
	DatabaseInfoQueue    bool
	SQSInfoURI           string
	RabbitInfoURI        string
	RabbitInfoQueue      string
	DatabaseURI          string
	MockEngine           bool
}

// QueueKind identifies the selected info-queue backend.
type QueueKind string

const (
	QueueDatabase QueueKind = "database"
	QueueSQS      QueueKind = "sqs"
	QueueRabbit   QueueKind = "rabbit"
	// QueueNone is only reachable with --mock-engine, which supplies
	// its own in-memory queue when no backend is configured.
	QueueNone QueueKind = "none"
)

// Rate bundles the timing knobs a processing-rate preset controls.
type Rate struct {
	// FollowUpPeriod is the report follow-up sweep interval.
	FollowUpPeriod time.Duration
	// RetryCeiling caps the scheduler's retry backoff.
	RetryCeiling time.Duration
	// LeaseDuration bounds a report handler's apply transaction.
	LeaseDuration time.Duration
}

var rates = map[string]Rate{
	"leisurely":  {FollowUpPeriod: 300 * time.Second, RetryCeiling: 60 * time.Second, LeaseDuration: 300 * time.Second},
	"standard":   {FollowUpPeriod: 60 * time.Second, RetryCeiling: 10 * time.Second, LeaseDuration: 60 * time.Second},
	"aggressive": {FollowUpPeriod: time.Second, RetryCeiling: time.Second, LeaseDuration: 60 * time.Second},
}

// Config is the validated runtime configuration.
type Config struct {
	Engine      engine.Config
	Rate        Rate
	Concurrency int

	// CoreURL is the engine server base URL, empty with --mock-engine.
	CoreURL string

	DatabaseURI connuri.URI

	Queue       QueueKind
	SQSURI      *connuri.SQSURI
	RabbitURI   *connuri.AMQPURI
	RabbitQueue string

	MockEngine bool
}

// SchedulerConcurrency sizes the task worker pool.
func (c *Config) SchedulerConcurrency() int { return 2 * c.Concurrency }

// ConsumerConcurrency sizes the message consumer.
func (c *Config) ConsumerConcurrency() int { return 2 * c.Concurrency }

// PoolSize sizes the mart connection pool. SQLite gets a single
// connection; its driver serializes writers anyway.
func (c *Config) PoolSize() int {
	if _, ok := c.DatabaseURI.(*connuri.SQLiteURI); ok {
		return 1
	}
	return c.Concurrency
}

// Resolve validates the raw options and materializes the runtime
// configuration: engine settings loaded, sz:// indirections resolved,
// URIs parsed, exclusivity rules enforced.
func (o *Options) Resolve() (*Config, error) {
	if o.CoreConcurrency <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, KeyCoreConcurrency, o.CoreConcurrency)
	}

	verbose, err := parseLogLevel(o.CoreLogLevel)
	if err != nil {
		return nil, err
	}

	rate, ok := rates[strings.ToLower(strings.TrimSpace(o.ProcessingRate))]
	if !ok {
		return nil, fmt.Errorf("%w: unknown %s %q (want leisurely, standard, or aggressive)",
			ErrInvalid, KeyProcessingRate, o.ProcessingRate)
	}

	settings, err := loadSettings(o.CoreSettings)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Engine: engine.Config{
			InstanceName:   o.CoreInstanceName,
			Settings:       settings,
			ConfigID:       o.CoreConfigID,
			Verbose:        verbose,
			RefreshSeconds: o.RefreshConfigSeconds,
		},
		Rate:        rate,
		Concurrency: o.CoreConcurrency,
		MockEngine:  o.MockEngine,
	}

	if err := o.resolveCore(cfg, settings); err != nil {
		return nil, err
	}
	if err := o.resolveQueue(cfg, settings); err != nil {
		return nil, err
	}
	if err := o.resolveDatabase(cfg, settings); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseLogLevel(level string) (verbose bool, err error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "muted", "0":
		return false, nil
	case "verbose", "1":
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s must be muted, verbose, 0, or 1; got %q",
			ErrInvalid, KeyCoreLogLevel, level)
	}
}

// loadSettings returns the engine settings JSON. A value that starts
// with '{' is taken as inline JSON; anything else is a file path.
func loadSettings(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	var raw []byte
	if strings.HasPrefix(trimmed, "{") {
		raw = []byte(trimmed)
	} else {
		data, err := os.ReadFile(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s file: %v", ErrInvalid, KeyCoreSettings, err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrInvalid, KeyCoreSettings)
	}
	return raw, nil
}

func (o *Options) resolveCore(cfg *Config, settings []byte) error {
	if o.CoreURI == "" {
		if o.MockEngine {
			return nil
		}
		return fmt.Errorf("%w: %s is required (or use --%s)", ErrInvalid, KeyCoreURI, KeyMockEngine)
	}
	text, err := indirect(settings, o.CoreURI, KeyCoreURI)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(text, "http://") && !strings.HasPrefix(text, "https://") {
		return fmt.Errorf("%w: %s: %q is not an http(s) URL", ErrInvalid, KeyCoreURI, text)
	}
	cfg.CoreURL = text
	return nil
}

func (o *Options) resolveQueue(cfg *Config, settings []byte) error {
	selected := 0
	if o.DatabaseInfoQueue {
		selected++
		cfg.Queue = QueueDatabase
	}
	if o.SQSInfoURI != "" {
		selected++
		cfg.Queue = QueueSQS
	}
	if o.RabbitInfoURI != "" || o.RabbitInfoQueue != "" {
		if o.RabbitInfoURI == "" || o.RabbitInfoQueue == "" {
			return fmt.Errorf("%w: %s and %s must be supplied together",
				ErrInvalid, KeyRabbitInfoURI, KeyRabbitInfoQueue)
		}
		selected++
		cfg.Queue = QueueRabbit
	}
	switch {
	case selected > 1:
		return fmt.Errorf("%w: supply exactly one of %s, %s, or %s",
			ErrInvalid, KeyDatabaseInfoQueue, KeySQSInfoURI, KeyRabbitInfoURI)
	case selected == 0 && !o.MockEngine:
		return fmt.Errorf("%w: an info queue is required; supply %s, %s, or %s",
			ErrInvalid, KeyDatabaseInfoQueue, KeySQSInfoURI, KeyRabbitInfoURI)
	case selected == 0:
		cfg.Queue = QueueNone
		return nil
	}

	switch cfg.Queue {
	case QueueSQS:
		text, err := indirect(settings, o.SQSInfoURI, KeySQSInfoURI)
		if err != nil {
			return err
		}
		uri, err := connuri.ParseSQS(text)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, KeySQSInfoURI, err)
		}
		cfg.SQSURI = uri
	case QueueRabbit:
		text, err := indirect(settings, o.RabbitInfoURI, KeyRabbitInfoURI)
		if err != nil {
			return err
		}
		uri, err := connuri.ParseAMQP(text)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, KeyRabbitInfoURI, err)
		}
		cfg.RabbitURI = uri
		cfg.RabbitQueue = o.RabbitInfoQueue
	}
	return nil
}

func (o *Options) resolveDatabase(cfg *Config, settings []byte) error {
	if o.DatabaseURI == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalid, KeyDatabaseURI)
	}
	text, err := indirect(settings, o.DatabaseURI, KeyDatabaseURI)
	if err != nil {
		return err
	}
	uri, err := connuri.Parse(text)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, KeyDatabaseURI, err)
	}
	switch uri.(type) {
	case *connuri.PostgresURI, *connuri.SQLiteURI:
		cfg.DatabaseURI = uri
	default:
		return fmt.Errorf("%w: %s: %q is not a database URI", ErrInvalid, KeyDatabaseURI, text)
	}
	return nil
}

// indirect resolves a sz://core-settings/ reference against the engine
// settings JSON, or returns the value unchanged.
func indirect(settings []byte, value, key string) (string, error) {
	if !connuri.IsSettingsURI(value) {
		return value, nil
	}
	resolved, err := connuri.ResolveSettings(settings, value)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return resolved, nil
}
