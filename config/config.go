package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/anchoring"
	"github.com/ahmadzakiakmal/passport-workbench/device"
	"github.com/ahmadzakiakmal/passport-workbench/notify"
	"github.com/ahmadzakiakmal/passport-workbench/repository"
	"github.com/ahmadzakiakmal/passport-workbench/workbench"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. WORKBENCH_DATABASE_DSN
const EnvPrefix = "WORKBENCH"

const (
	StorageBadger  = "badger"
	StorageGateway = "gateway"
)

type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Workbenches []string          `mapstructure:"workbenches"`
	Devices     map[string]string `mapstructure:"devices"`
	Debounce    time.Duration     `mapstructure:"debounce"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts"`
	Anchoring   AnchoringConfig   `mapstructure:"anchoring"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Printer     PrinterConfig     `mapstructure:"printer"`
	Recorder    RecorderConfig    `mapstructure:"recorder"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Roster      RosterConfig      `mapstructure:"roster"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type TimeoutsConfig struct {
	Identification time.Duration `mapstructure:"identification"`
	OperationAlert time.Duration `mapstructure:"operation_alert"`
	NetworkCall    time.Duration `mapstructure:"network_call"`
}

type AnchoringConfig struct {
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Multiplier        float64       `mapstructure:"multiplier"`
	Jitter            float64       `mapstructure:"jitter"`
}

type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	Path       string `mapstructure:"path"`
	GatewayURL string `mapstructure:"gateway_url"`
}

// LedgerConfig selects a remote CometBFT RPC endpoint or an embedded node rooted
// at Home
type LedgerConfig struct {
	RPCAddress string `mapstructure:"rpc_address"`
	Embedded   bool   `mapstructure:"embedded"`
	Home       string `mapstructure:"home"`
}

type PrinterConfig struct {
	Enable             bool   `mapstructure:"enable"`
	ServerURL          string `mapstructure:"server_url"`
	Barcode            bool   `mapstructure:"barcode"`
	QR                 bool   `mapstructure:"qr"`
	SecurityTag        bool   `mapstructure:"security_tag"`
	Timestamp          bool   `mapstructure:"timestamp"`
	QROnlyForComposite bool   `mapstructure:"qr_only_for_composite"`
	LinkBase           string `mapstructure:"link_base"`
}

type RecorderConfig struct {
	Enable    bool   `mapstructure:"enable"`
	ServerURL string `mapstructure:"server_url"`
	Camera    int    `mapstructure:"camera"`
}

type AlertsConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

type RosterConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":5000")
	v.SetDefault("database.driver", repository.DriverSQLite)
	v.SetDefault("database.dsn", "workbench.db")
	v.SetDefault("workbenches", []string{"WB-1"})
	v.SetDefault("devices", map[string]string{})
	v.SetDefault("debounce", 2*time.Second)

	v.SetDefault("timeouts.identification", 2*time.Minute)
	v.SetDefault("timeouts.operation_alert", 30*time.Minute)
	v.SetDefault("timeouts.network_call", 10*time.Second)

	defaults := anchoring.DefaultConfig()
	v.SetDefault("anchoring.workers", defaults.Workers)
	v.SetDefault("anchoring.poll_interval", defaults.PollInterval)
	v.SetDefault("anchoring.reconcile_interval", defaults.ReconcileInterval)
	v.SetDefault("anchoring.lease_ttl", defaults.LeaseTTL)
	v.SetDefault("anchoring.max_attempts", defaults.Policy.MaxAttempts)
	v.SetDefault("anchoring.base_delay", defaults.Policy.BaseDelay)
	v.SetDefault("anchoring.max_delay", defaults.Policy.MaxDelay)
	v.SetDefault("anchoring.multiplier", defaults.Policy.Multiplier)
	v.SetDefault("anchoring.jitter", defaults.Policy.Jitter)

	v.SetDefault("storage.backend", StorageBadger)
	v.SetDefault("storage.path", "./data/content")
	v.SetDefault("storage.gateway_url", "")

	v.SetDefault("ledger.rpc_address", "http://localhost:26657")
	v.SetDefault("ledger.embedded", false)
	v.SetDefault("ledger.home", "./node-config/ledger")

	v.SetDefault("printer.enable", false)
	v.SetDefault("printer.server_url", "")
	v.SetDefault("printer.barcode", true)
	v.SetDefault("printer.qr", true)
	v.SetDefault("printer.security_tag", false)
	v.SetDefault("printer.timestamp", true)
	v.SetDefault("printer.qr_only_for_composite", false)
	v.SetDefault("printer.link_base", "")

	v.SetDefault("recorder.enable", false)
	v.SetDefault("recorder.server_url", "")
	v.SetDefault("recorder.camera", 0)

	v.SetDefault("alerts.webhook_url", "")

	v.SetDefault("roster.path", "")
	v.SetDefault("roster.watch", true)
}

// Load reads the configuration file at path, if any, and applies WORKBENCH_
// environment overrides on top of the defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration data: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings that would otherwise only fail at first use
func (c *Config) Validate() error {
	var problems []error
	switch c.Database.Driver {
	case repository.DriverPostgres, repository.DriverSQLite:
	default:
		problems = append(problems, fmt.Errorf("database.driver must be %s or %s, got %q",
			repository.DriverPostgres, repository.DriverSQLite, c.Database.Driver))
	}
	if c.Database.DSN == "" {
		problems = append(problems, errors.New("database.dsn is required"))
	}
	if len(c.Workbenches) == 0 {
		problems = append(problems, errors.New("at least one workbench id is required"))
	}
	if _, err := c.DeviceKinds(); err != nil {
		problems = append(problems, err)
	}
	if c.Debounce < 0 {
		problems = append(problems, errors.New("debounce must not be negative"))
	}
	if c.Timeouts.NetworkCall <= 0 {
		problems = append(problems, errors.New("timeouts.network_call must be positive"))
	}

	switch c.Storage.Backend {
	case StorageBadger:
		if c.Storage.Path == "" {
			problems = append(problems, errors.New("storage.path is required for the badger backend"))
		}
	case StorageGateway:
		if c.Storage.GatewayURL == "" {
			problems = append(problems, errors.New("storage.gateway_url is required for the gateway backend"))
		}
	default:
		problems = append(problems, fmt.Errorf("storage.backend must be %s or %s, got %q",
			StorageBadger, StorageGateway, c.Storage.Backend))
	}

	if c.Ledger.Embedded && c.Ledger.Home == "" {
		problems = append(problems, errors.New("ledger.home is required for an embedded ledger"))
	}
	if !c.Ledger.Embedded && c.Ledger.RPCAddress == "" {
		problems = append(problems, errors.New("ledger.rpc_address is required"))
	}

	a := c.Anchoring
	if a.Workers < 1 {
		problems = append(problems, errors.New("anchoring.workers must be at least 1"))
	}
	if a.MaxAttempts < 1 {
		problems = append(problems, errors.New("anchoring.max_attempts must be at least 1"))
	}
	if a.LeaseTTL < 5*c.Timeouts.NetworkCall {
		problems = append(problems, fmt.Errorf("anchoring.lease_ttl %s must be at least 5x timeouts.network_call %s",
			a.LeaseTTL, c.Timeouts.NetworkCall))
	}
	if a.Multiplier < 1 {
		problems = append(problems, errors.New("anchoring.multiplier must be at least 1"))
	}
	if a.Jitter < 0 || a.Jitter >= 1 {
		problems = append(problems, errors.New("anchoring.jitter must be in [0, 1)"))
	}

	if c.Printer.Enable && c.Printer.ServerURL == "" {
		problems = append(problems, errors.New("printer.server_url is required when the printer is enabled"))
	}
	if c.Recorder.Enable && c.Recorder.ServerURL == "" {
		problems = append(problems, errors.New("recorder.server_url is required when the recorder is enabled"))
	}
	return errors.Join(problems...)
}

// DeviceKinds returns the configured HID devices. Keys are lower-cased, as viper
// folds them.
func (c *Config) DeviceKinds() (map[string]device.Kind, error) {
	out := make(map[string]device.Kind, len(c.Devices))
	for name, kind := range c.Devices {
		switch k := device.Kind(strings.ToLower(kind)); k {
		case device.KindRFID, device.KindBarcode:
			out[strings.ToLower(name)] = k
		default:
			return nil, fmt.Errorf("device %s has unknown kind %q", name, kind)
		}
	}
	return out, nil
}

func (c *Config) AnchoringConfig() anchoring.Config {
	return anchoring.Config{
		Workers:           c.Anchoring.Workers,
		PollInterval:      c.Anchoring.PollInterval,
		ReconcileInterval: c.Anchoring.ReconcileInterval,
		LeaseTTL:          c.Anchoring.LeaseTTL,
		CallTimeout:       c.Timeouts.NetworkCall,
		Policy: anchoring.Policy{
			MaxAttempts: c.Anchoring.MaxAttempts,
			BaseDelay:   c.Anchoring.BaseDelay,
			MaxDelay:    c.Anchoring.MaxDelay,
			Multiplier:  c.Anchoring.Multiplier,
			Jitter:      c.Anchoring.Jitter,
		},
	}
}

func (c *Config) WorkbenchConfig() workbench.Config {
	return workbench.Config{
		IdentificationTimeout: c.Timeouts.Identification,
		OperationAlert:        c.Timeouts.OperationAlert,
		CallTimeout:           c.Timeouts.NetworkCall,
		Labels: notify.LabelConfig{
			Barcode:            c.Printer.Barcode,
			QR:                 c.Printer.QR,
			QROnlyForComposite: c.Printer.QROnlyForComposite,
			SecurityTag:        c.Printer.SecurityTag,
			Timestamp:          c.Printer.Timestamp,
			LinkBase:           c.Printer.LinkBase,
		},
	}
}
