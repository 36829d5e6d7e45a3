package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix scopes environment overrides: DOSPROTECT_DETECTION_WINDOW=3s
const EnvPrefix = "DOSPROTECT"

// Config is the root configuration of a replica and of the arbitrator.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Detection  DetectionConfig  `mapstructure:"detection"`
	Learning   LearningConfig   `mapstructure:"learning"`
	BadActor   BadActorConfig   `mapstructure:"bad_actor"`
	Signature  SignatureConfig  `mapstructure:"signature"`
	Mitigation MitigationConfig `mapstructure:"mitigation"`
	Arbitrator ArbitratorConfig `mapstructure:"arbitrator"`
	Emitter    EmitterConfig    `mapstructure:"emitter"`
	Protect    ProtectConfig    `mapstructure:"protect"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ReplicaID is reported as unit_hostname; defaults to the OS hostname.
	ReplicaID string `mapstructure:"replica_id"`
	// Upstream receives admitted traffic of protected hosts; empty answers 200.
	Upstream string `mapstructure:"upstream"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig enables the Postgres event archive when URL is set.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// DetectionConfig drives the sampler and the attack classifier.
type DetectionConfig struct {
	Window              time.Duration `mapstructure:"window"`
	SeverityThreshold   float64       `mapstructure:"severity_threshold"`
	EmergencyThreshold  float64       `mapstructure:"emergency_threshold"`
	HysteresisThreshold float64       `mapstructure:"hysteresis_threshold"`
	AttackDwell         time.Duration `mapstructure:"attack_dwell"`
	RecoveryDwell       time.Duration `mapstructure:"recovery_dwell"`
	StatusInterval      time.Duration `mapstructure:"status_interval"`
	MinSigma            float64       `mapstructure:"min_sigma"`
	MinRelativeSigma    float64       `mapstructure:"min_relative_sigma"`
	LatencyFactor       float64       `mapstructure:"latency_factor"`
	MaxSources          int           `mapstructure:"max_sources"`
	MaxSignatures       int           `mapstructure:"max_signatures"`
}

type LearningConfig struct {
	ConvergenceWindows int     `mapstructure:"convergence_windows"`
	ConvergenceCV      float64 `mapstructure:"convergence_cv"`
	MinRate            float64 `mapstructure:"min_rate"`
	DominanceShare     float64 `mapstructure:"dominance_share"`
	DominanceSources   int     `mapstructure:"dominance_sources"`
	EMAAlpha           float64 `mapstructure:"ema_alpha"`
}

type BadActorConfig struct {
	ShareThreshold float64       `mapstructure:"share_threshold"`
	MinRequests    uint64        `mapstructure:"min_requests"`
	MinWindows     int           `mapstructure:"min_windows"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
}

// SignatureRule matches request fingerprints by regular expression.
type SignatureRule struct {
	Name    string `mapstructure:"name"`
	Pattern string `mapstructure:"pattern"`
}

type SignatureConfig struct {
	Confidence float64         `mapstructure:"confidence"`
	MinShare   float64         `mapstructure:"min_share"`
	Rules      []SignatureRule `mapstructure:"rules"`
}

type MitigationConfig struct {
	DropConfidence float64 `mapstructure:"drop_confidence"`
	ChallengeRate  float64 `mapstructure:"challenge_rate"` // tokens per second per IP
	ChallengeBurst int     `mapstructure:"challenge_burst"`
	MaxLimiters    int     `mapstructure:"max_limiters"`
	// TrustForwardedFor takes the client IP from X-Forwarded-For.
	TrustForwardedFor bool `mapstructure:"trust_forwarded_for"`
}

type ArbitratorConfig struct {
	Backend      string        `mapstructure:"backend"` // memory, redis, http
	URL          string        `mapstructure:"url"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`

	// Circuit breaker around remote stores
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
}

type EmitterConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// SecurityLog is stderr, an absolute file path or syslog:server=host:port
	SecurityLog string `mapstructure:"security_log"`
	HistorySize int64  `mapstructure:"history_size"`
}

type ProtectConfig struct {
	// Manifests are YAML files of DosProtectedResource documents loaded at start.
	Manifests []string `mapstructure:"manifests"`
}

// Addr returns host:port of the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	d := c.Detection
	if d.Window < time.Second || d.Window > 10*time.Second {
		errs = append(errs, fmt.Errorf("detection.window %s: must be within 1s..10s", d.Window))
	}
	if d.HysteresisThreshold <= 0 || d.HysteresisThreshold > d.SeverityThreshold {
		errs = append(errs, fmt.Errorf("detection.hysteresis_threshold %.2f: must be in (0, severity_threshold]", d.HysteresisThreshold))
	}
	if d.EmergencyThreshold < d.SeverityThreshold {
		errs = append(errs, fmt.Errorf("detection.emergency_threshold %.2f: below severity_threshold", d.EmergencyThreshold))
	}
	if d.MaxSources <= 0 || d.MaxSignatures <= 0 {
		errs = append(errs, errors.New("detection.max_sources and detection.max_signatures must be positive"))
	}
	if c.Learning.ConvergenceWindows < 2 {
		errs = append(errs, fmt.Errorf("learning.convergence_windows %d: need at least 2", c.Learning.ConvergenceWindows))
	}
	if c.Learning.DominanceSources < 1 {
		errs = append(errs, errors.New("learning.dominance_sources must be at least 1"))
	}
	if a := c.Learning.EMAAlpha; a <= 0 || a > 1 {
		errs = append(errs, fmt.Errorf("learning.ema_alpha %.2f: must be in (0, 1]", a))
	}
	if s := c.BadActor.ShareThreshold; s <= 0 || s > 1 {
		errs = append(errs, fmt.Errorf("bad_actor.share_threshold %.2f: must be in (0, 1]", s))
	}
	if c.BadActor.MinWindows < 1 {
		errs = append(errs, errors.New("bad_actor.min_windows must be at least 1"))
	}
	switch c.Arbitrator.Backend {
	case "memory", "redis":
	case "http":
		if c.Arbitrator.URL == "" {
			errs = append(errs, errors.New("arbitrator.url is required for the http backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("arbitrator.backend %q: want memory, redis or http", c.Arbitrator.Backend))
	}
	return errors.Join(errs...)
}

// Loader reads configuration from config.yaml and the environment.
type Loader struct {
	v *viper.Viper
}

// NewLoader searches file, or config.yaml in . and ./configs when file is empty.
func NewLoader(file string) *Loader {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	return &Loader{v: v}
}

// Load reads the file (optional) and decodes the merged configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// no file: defaults and environment only
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Watch calls onChange with the re-read configuration whenever the file changes.
// Invalid edits are reported through onError and otherwise ignored.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Default returns the built-in defaults without reading files or the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: decoding defaults: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.replica_id", "")
	v.SetDefault("server.upstream", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("detection.window", 5*time.Second)
	v.SetDefault("detection.severity_threshold", 3.0)
	v.SetDefault("detection.emergency_threshold", 10.0)
	v.SetDefault("detection.hysteresis_threshold", 1.5)
	v.SetDefault("detection.attack_dwell", 10*time.Second)
	v.SetDefault("detection.recovery_dwell", 20*time.Second)
	v.SetDefault("detection.status_interval", 10*time.Second)
	v.SetDefault("detection.min_sigma", 1.0)
	v.SetDefault("detection.min_relative_sigma", 0.1)
	v.SetDefault("detection.latency_factor", 3.0)
	v.SetDefault("detection.max_sources", 10000)
	v.SetDefault("detection.max_signatures", 1024)

	v.SetDefault("learning.convergence_windows", 6)
	v.SetDefault("learning.convergence_cv", 0.5)
	v.SetDefault("learning.min_rate", 1.0)
	v.SetDefault("learning.dominance_share", 0.5)
	v.SetDefault("learning.dominance_sources", 5)
	v.SetDefault("learning.ema_alpha", 0.1)

	v.SetDefault("bad_actor.share_threshold", 0.1)
	v.SetDefault("bad_actor.min_requests", 20)
	v.SetDefault("bad_actor.min_windows", 2)
	v.SetDefault("bad_actor.cooldown", 30*time.Second)

	v.SetDefault("signature.confidence", 0.5)
	v.SetDefault("signature.min_share", 0.3)

	v.SetDefault("mitigation.drop_confidence", 0.8)
	v.SetDefault("mitigation.challenge_rate", 1.0)
	v.SetDefault("mitigation.challenge_burst", 5)
	v.SetDefault("mitigation.max_limiters", 10000)
	v.SetDefault("mitigation.trust_forwarded_for", false)

	v.SetDefault("arbitrator.backend", "memory")
	v.SetDefault("arbitrator.url", "")
	v.SetDefault("arbitrator.sync_interval", 10*time.Second)
	v.SetDefault("arbitrator.timeout", 3*time.Second)
	v.SetDefault("arbitrator.cb_max_requests", 3)
	v.SetDefault("arbitrator.cb_interval", 5*time.Second)
	v.SetDefault("arbitrator.cb_timeout", 30*time.Second)
	v.SetDefault("arbitrator.retry_attempts", 3)

	v.SetDefault("emitter.buffer_size", 10000)
	v.SetDefault("emitter.batch_size", 100)
	v.SetDefault("emitter.flush_interval", 500*time.Millisecond)
	v.SetDefault("emitter.security_log", "stderr")
	v.SetDefault("emitter.history_size", 10000)

	v.SetDefault("protect.manifests", []string{})
}
