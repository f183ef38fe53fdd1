package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting required to boot the triage engine. All
// thresholds and weights live here; components receive them explicitly at
// construction time.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Clients  ClientsConfig  `yaml:"clients"`
	Graph    GraphConfig    `yaml:"graph"`
	Reasoner ReasonerConfig `yaml:"reasoner"`
	Triage   TriageConfig   `yaml:"triage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Rules    RulesConfig    `yaml:"rules"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// ClientsConfig groups the telemetry backends used for evidence collection.
type ClientsConfig struct {
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig configures the dual-path telemetry client. GatewayURL is
// the intermediary query service; MetricsURL and LogsURL are the direct
// backends used when the gateway probe fails.
type TelemetryConfig struct {
	GatewayURL       string        `yaml:"gatewayURL"`
	MetricsURL       string        `yaml:"metricsURL"`
	LogsURL          string        `yaml:"logsURL"`
	ProbeTimeout     time.Duration `yaml:"probeTimeout"`
	QueryTimeout     time.Duration `yaml:"queryTimeout"`
	QueryConcurrency int           `yaml:"queryConcurrency"`
}

// GraphConfig configures the graph store holding reference procedures and
// captured traces.
type GraphConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	GraphName    string        `yaml:"graphName"`
	PoolSize     int           `yaml:"poolSize"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	BackoffUnit  time.Duration `yaml:"backoffUnit"`
}

// ReasonerConfig configures the reasoning collaborator call.
type ReasonerConfig struct {
	APIKey    string        `yaml:"apiKey"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"maxTokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// TriageConfig holds pipeline behaviour: retry bounds, the evidence window,
// the known participant set, and the deterministic scoring tables.
type TriageConfig struct {
	MaxAttempts      int               `yaml:"maxAttempts"`
	Lookback         time.Duration     `yaml:"lookback"`
	Lookahead        time.Duration     `yaml:"lookahead"`
	Participants     []string          `yaml:"participants"`
	Namespace        string            `yaml:"namespace"`
	DefaultProcedure string            `yaml:"defaultProcedure"`
	ProcedureMap     map[string]string `yaml:"procedureMap"`
	Scoring          ScoringConfig     `yaml:"scoring"`
	Quality          QualityConfig     `yaml:"quality"`
	Gate             GateConfig        `yaml:"gate"`
}

// ScoringConfig parameterises the infrastructure scorer. Weights must sum
// to 1.0.
type ScoringConfig struct {
	RestartWeight   float64 `yaml:"restartWeight"`
	OOMWeight       float64 `yaml:"oomWeight"`
	PodStatusWeight float64 `yaml:"podStatusWeight"`
	ResourceWeight  float64 `yaml:"resourceWeight"`

	RestartHigh      int     `yaml:"restartHigh"`
	RestartCritical  int     `yaml:"restartCritical"`
	RestartLowFactor float64 `yaml:"restartLowFactor"`
	RestartMidFactor float64 `yaml:"restartMidFactor"`

	PendingFactor   float64 `yaml:"pendingFactor"`
	CPUMidFactor    float64 `yaml:"cpuMidFactor"`
	MemoryThreshold float64 `yaml:"memoryThreshold"`
	CPUThreshold    float64 `yaml:"cpuThreshold"`
}

// QualityConfig is the evidence-quality lookup table, keyed by which
// evidence categories were collected.
type QualityConfig struct {
	AllSources    float64 `yaml:"allSources"`
	TracesPlusOne float64 `yaml:"tracesPlusOne"`
	MetricsLogs   float64 `yaml:"metricsLogs"`
	TracesOnly    float64 `yaml:"tracesOnly"`
	MetricsOnly   float64 `yaml:"metricsOnly"`
	LogsOnly      float64 `yaml:"logsOnly"`
	None          float64 `yaml:"none"`
}

// GateConfig parameterises the confidence gate and degraded-mode fallback.
type GateConfig struct {
	MinConfidence          float64 `yaml:"minConfidence"`
	RichEvidenceConfidence float64 `yaml:"richEvidenceConfidence"`
	RichEvidenceQuality    float64 `yaml:"richEvidenceQuality"`
	InfraHighThreshold     float64 `yaml:"infraHighThreshold"`
	DegradedSpecific       float64 `yaml:"degradedSpecific"`
	DegradedGeneric        float64 `yaml:"degradedGeneric"`
	DegradedKeyword        float64 `yaml:"degradedKeyword"`
	DegradedUndetermined   float64 `yaml:"degradedUndetermined"`
	LowQualityGap          float64 `yaml:"lowQualityGap"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RulesConfig controls rule-pack loading for the remediation recommender.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls caching of reference-procedure lookups.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	ProcedureTTL time.Duration `yaml:"procedureTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("TRIAGE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Triage.MaxAttempts < 1 {
		return fmt.Errorf("triage.maxAttempts must be at least 1")
	}
	s := c.Triage.Scoring
	sum := s.RestartWeight + s.OOMWeight + s.PodStatusWeight + s.ResourceWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("scoring weights must sum to 1.0, got %.3f", sum)
	}
	if s.RestartHigh <= 0 || s.RestartCritical < s.RestartHigh {
		return fmt.Errorf("restart breakpoints invalid: high=%d critical=%d", s.RestartHigh, s.RestartCritical)
	}
	if c.Clients.Telemetry.QueryConcurrency < 1 {
		return fmt.Errorf("telemetry.queryConcurrency must be at least 1")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Clients: ClientsConfig{
			Telemetry: TelemetryConfig{
				GatewayURL:       "http://localhost:9400",
				MetricsURL:       "http://localhost:9090",
				LogsURL:          "http://localhost:3100",
				ProbeTimeout:     2 * time.Second,
				QueryTimeout:     10 * time.Second,
				QueryConcurrency: 4,
			},
		},
		Graph: GraphConfig{
			Host:         "localhost",
			Port:         6379,
			GraphName:    "procedures",
			PoolSize:     8,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxAttempts:  3,
			BackoffUnit:  time.Second,
		},
		Reasoner: ReasonerConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 4096,
			Timeout:   60 * time.Second,
		},
		Triage: TriageConfig{
			MaxAttempts: 2,
			Lookback:    5 * time.Minute,
			Lookahead:   time.Minute,
			Participants: []string{
				"gateway", "session-manager", "auth-service",
				"directory", "registry", "policy-service",
			},
			Namespace:        "core",
			DefaultProcedure: "session-establishment",
			ProcedureMap: map[string]string{
				"SessionSetupFailure":  "session-establishment",
				"AuthFailureSpike":     "client-authentication",
				"RegistrationFailures": "service-registration",
			},
			Scoring: ScoringConfig{
				RestartWeight:    0.35,
				OOMWeight:        0.25,
				PodStatusWeight:  0.20,
				ResourceWeight:   0.20,
				RestartHigh:      3,
				RestartCritical:  5,
				RestartLowFactor: 0.4,
				RestartMidFactor: 0.7,
				PendingFactor:    0.6,
				CPUMidFactor:     0.8,
				MemoryThreshold:  90.0,
				CPUThreshold:     1.0,
			},
			Quality: QualityConfig{
				AllSources:    0.95,
				TracesPlusOne: 0.85,
				MetricsLogs:   0.80,
				TracesOnly:    0.50,
				MetricsOnly:   0.40,
				LogsOnly:      0.35,
				None:          0.10,
			},
			Gate: GateConfig{
				MinConfidence:          0.70,
				RichEvidenceConfidence: 0.65,
				RichEvidenceQuality:    0.80,
				InfraHighThreshold:     0.80,
				DegradedSpecific:       0.60,
				DegradedGeneric:        0.50,
				DegradedKeyword:        0.45,
				DegradedUndetermined:   0.20,
				LowQualityGap:          0.50,
			},
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Rules:   RulesConfig{Path: "configs/rules/default.yaml"},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			ProcedureTTL: 10 * time.Minute,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRIAGE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("TRIAGE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("TRIAGE_GATEWAY_URL"); v != "" {
		cfg.Clients.Telemetry.GatewayURL = v
	}
	if v := os.Getenv("TRIAGE_METRICS_URL"); v != "" {
		cfg.Clients.Telemetry.MetricsURL = v
	}
	if v := os.Getenv("TRIAGE_LOGS_URL"); v != "" {
		cfg.Clients.Telemetry.LogsURL = v
	}
	if v := os.Getenv("TRIAGE_GRAPH_HOST"); v != "" {
		cfg.Graph.Host = v
	}
	if v := os.Getenv("TRIAGE_GRAPH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Graph.Port = port
		}
	}
	if v := os.Getenv("TRIAGE_GRAPH_PASSWORD"); v != "" {
		cfg.Graph.Password = v
	}
	if v := os.Getenv("TRIAGE_GRAPH_NAME"); v != "" {
		cfg.Graph.GraphName = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Reasoner.APIKey = v
	}
	if v := os.Getenv("TRIAGE_REASONER_MODEL"); v != "" {
		cfg.Reasoner.Model = v
	}
	if v := os.Getenv("TRIAGE_REASONER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reasoner.Timeout = d
		}
	}
	if v := os.Getenv("TRIAGE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Triage.MaxAttempts = n
		}
	}
	if v := os.Getenv("TRIAGE_PARTICIPANTS"); v != "" {
		parts := strings.Split(v, ",")
		participants := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				participants = append(participants, trimmed)
			}
		}
		if len(participants) > 0 {
			cfg.Triage.Participants = participants
		}
	}
	if v := os.Getenv("TRIAGE_NAMESPACE"); v != "" {
		cfg.Triage.Namespace = v
	}
	if v := os.Getenv("TRIAGE_DEFAULT_PROCEDURE"); v != "" {
		cfg.Triage.DefaultProcedure = v
	}
	if v := os.Getenv("TRIAGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRIAGE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("TRIAGE_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("TRIAGE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("TRIAGE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("TRIAGE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("TRIAGE_CACHE_PROCEDURE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ProcedureTTL = d
		}
	}
}
