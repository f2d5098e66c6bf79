package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

// Config holds all configuration for the Hearthlink plugin gateway.
// It is immutable after Load; components receive it by pointer.
type Config struct {
	Port      int
	Version   string
	Sandbox   SandboxConfig
	Benchmark BenchmarkConfig
	Traffic   TrafficConfig
	Security  SecurityConfig
	Audit     AuditConfig
	Store     StoreConfig
	Telemetry TelemetryConfig
}

type SandboxConfig struct {
	MaxCPUPercent       float64
	MaxMemoryMB         float64
	MaxDiskMB           float64
	MaxExecutionTime    time.Duration
	MaxProcesses        int
	AllowedNetworkHosts []string
	AllowedFilePaths    []string
	ReadOnlyPaths       []string
}

// Wire returns the sandbox limits in their external JSON shape.
func (c *SandboxConfig) Wire() models.SandboxConfig {
	return models.SandboxConfig{
		MaxCPUPercent:       c.MaxCPUPercent,
		MaxMemoryMB:         int(c.MaxMemoryMB),
		MaxDiskMB:           int(c.MaxDiskMB),
		MaxExecutionTime:    int(c.MaxExecutionTime.Seconds()),
		MaxProcesses:        c.MaxProcesses,
		AllowedNetworkHosts: c.AllowedNetworkHosts,
		AllowedFilePaths:    c.AllowedFilePaths,
		ReadOnlyPaths:       c.ReadOnlyPaths,
	}
}

type BenchmarkConfig struct {
	TestDuration       time.Duration
	MaxConcurrentTests int
	// Thresholds gate the performance tier cascade, checked in order
	// stable → beta → risky; anything worse is unstable. Only the
	// ordering is normative; the numbers are tunable.
	Thresholds map[models.PerformanceTier]models.TierThresholds
}

type TrafficConfig struct {
	MaxWorkers              int
	MaxQueueDepth           int
	RateWindow              time.Duration
	DefaultMaxPerWindow     int
	DefaultMaxConcurrent    int
	CategoryMaxPerWindow    int
	QueueWaitTimeout        time.Duration
	EstimatedServiceTimeSec float64
}

type SecurityConfig struct {
	MaxPluginSizeMB          float64
	RequireManifestSignature bool
	AutoApproveLowRisk       bool
	// EventWeights map each risk event type to a base score contribution.
	EventWeights map[models.RiskEventType]float64
	// CapabilityWeights feed manifest risk tiering.
	CapabilityWeights map[models.Capability]float64
	MediumRiskTier    float64
	HighRiskTier      float64
	// Threat level thresholds over the decayed origin score.
	MediumThreshold   float64
	HighThreshold     float64
	CriticalThreshold float64
	ScoreHalfLife     time.Duration
	MaxEvents         int
}

type AuditConfig struct {
	MaxEntries    int
	RetentionDays int
}

type StoreConfig struct {
	Path         string
	SaveInterval time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("HEARTHLINK_PORT", 8765),
		Version: envStr("HEARTHLINK_VERSION", "1.0.0"),
		Sandbox: SandboxConfig{
			MaxCPUPercent:       envFloat("HEARTHLINK_SANDBOX_MAX_CPU_PERCENT", 50),
			MaxMemoryMB:         envFloat("HEARTHLINK_SANDBOX_MAX_MEMORY_MB", 512),
			MaxDiskMB:           envFloat("HEARTHLINK_SANDBOX_MAX_DISK_MB", 100),
			MaxExecutionTime:    envDuration("HEARTHLINK_SANDBOX_MAX_EXECUTION_TIME", 30*time.Second),
			MaxProcesses:        envInt("HEARTHLINK_SANDBOX_MAX_PROCESSES", 5),
			AllowedNetworkHosts: envList("HEARTHLINK_SANDBOX_ALLOWED_HOSTS", nil),
			AllowedFilePaths:    envList("HEARTHLINK_SANDBOX_ALLOWED_PATHS", []string{"/tmp/hearthlink/**"}),
			ReadOnlyPaths:       envList("HEARTHLINK_SANDBOX_READONLY_PATHS", nil),
		},
		Benchmark: BenchmarkConfig{
			TestDuration:       envDuration("HEARTHLINK_BENCHMARK_DURATION", 60*time.Second),
			MaxConcurrentTests: envInt("HEARTHLINK_BENCHMARK_MAX_CONCURRENT", 3),
			Thresholds: map[models.PerformanceTier]models.TierThresholds{
				models.TierStable: {MaxResponseTimeMs: 500, MaxErrorRate: 0.01, MaxCPUPercent: 30, MaxMemoryMB: 256},
				models.TierBeta:   {MaxResponseTimeMs: 1500, MaxErrorRate: 0.05, MaxCPUPercent: 50, MaxMemoryMB: 512},
				models.TierRisky:  {MaxResponseTimeMs: 5000, MaxErrorRate: 0.15, MaxCPUPercent: 75, MaxMemoryMB: 1024},
			},
		},
		Traffic: TrafficConfig{
			MaxWorkers:              envInt("HEARTHLINK_TRAFFIC_MAX_WORKERS", 8),
			MaxQueueDepth:           envInt("HEARTHLINK_TRAFFIC_MAX_QUEUE_DEPTH", 256),
			RateWindow:              envDuration("HEARTHLINK_TRAFFIC_RATE_WINDOW", time.Minute),
			DefaultMaxPerWindow:     envInt("HEARTHLINK_TRAFFIC_DEFAULT_MAX_PER_WINDOW", 60),
			DefaultMaxConcurrent:    envInt("HEARTHLINK_TRAFFIC_DEFAULT_MAX_CONCURRENT", 4),
			CategoryMaxPerWindow:    envInt("HEARTHLINK_TRAFFIC_CATEGORY_MAX_PER_WINDOW", 600),
			QueueWaitTimeout:        envDuration("HEARTHLINK_TRAFFIC_QUEUE_WAIT_TIMEOUT", 30*time.Second),
			EstimatedServiceTimeSec: envFloat("HEARTHLINK_TRAFFIC_EST_SERVICE_TIME_S", 2),
		},
		Security: SecurityConfig{
			MaxPluginSizeMB:          envFloat("HEARTHLINK_SECURITY_MAX_PLUGIN_SIZE_MB", 10),
			RequireManifestSignature: envBool("HEARTHLINK_SECURITY_REQUIRE_SIGNATURE", false),
			AutoApproveLowRisk:       envBool("HEARTHLINK_SECURITY_AUTO_APPROVE_LOW_RISK", false),
			EventWeights: map[models.RiskEventType]float64{
				models.EventRateLimitHit:         1,
				models.EventAnomalousTraffic:     2,
				models.EventResourceLimit:        3,
				models.EventPermissionEscalation: 4,
				models.EventSandboxViolation:     4,
				models.EventSecurityViolation:    5,
				models.EventManualReport:         2,
			},
			CapabilityWeights: map[models.Capability]float64{
				models.CapabilityNetwork:         2,
				models.CapabilityFilesystemRead:  1,
				models.CapabilityFilesystemWrite: 3,
				models.CapabilityProcessSpawn:    4,
				models.CapabilityVaultRead:       2,
				models.CapabilityVaultWrite:      4,
				models.CapabilityAPIExternal:     2,
				models.CapabilityBrowserPreview:  1,
				models.CapabilityWebhookOutbound: 3,
			},
			MediumRiskTier:    envFloat("HEARTHLINK_SECURITY_MEDIUM_RISK_TIER", 4),
			HighRiskTier:      envFloat("HEARTHLINK_SECURITY_HIGH_RISK_TIER", 8),
			MediumThreshold:   envFloat("HEARTHLINK_SECURITY_MEDIUM_THRESHOLD", 3),
			HighThreshold:     envFloat("HEARTHLINK_SECURITY_HIGH_THRESHOLD", 6),
			CriticalThreshold: envFloat("HEARTHLINK_SECURITY_CRITICAL_THRESHOLD", 10),
			ScoreHalfLife:     envDuration("HEARTHLINK_SECURITY_SCORE_HALF_LIFE", 10*time.Minute),
			MaxEvents:         envInt("HEARTHLINK_SECURITY_MAX_EVENTS", 10000),
		},
		Audit: AuditConfig{
			MaxEntries:    envInt("HEARTHLINK_AUDIT_MAX_ENTRIES", 50000),
			RetentionDays: envInt("HEARTHLINK_AUDIT_RETENTION_DAYS", 90),
		},
		Store: StoreConfig{
			Path:         envStr("HEARTHLINK_STORE_PATH", ""),
			SaveInterval: envDuration("HEARTHLINK_STORE_SAVE_INTERVAL", 5*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "hearthlink-gateway"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return fallback
}
