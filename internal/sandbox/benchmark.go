package sandbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hearthlink/hearthlink/gateway/internal/config"
	"github.com/hearthlink/hearthlink/gateway/pkg/contracts"
	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

// Benchmarker drives synthetic load through a plugin and grades the
// observed behavior into a performance tier.
type Benchmarker struct {
	cfg    *config.BenchmarkConfig
	runner contracts.PluginRunner
}

func NewBenchmarker(cfg *config.BenchmarkConfig, runner contracts.PluginRunner) *Benchmarker {
	return &Benchmarker{cfg: cfg, runner: runner}
}

// tierOrder is the cascade: the first tier whose ceilings all hold wins.
var tierOrder = []models.PerformanceTier{models.TierStable, models.TierBeta, models.TierRisky}

// Run applies synthetic load for the configured test duration with up to
// MaxConcurrentTests parallel invocations, then grades the results.
func (b *Benchmarker) Run(ctx context.Context, plugin *models.Plugin) (*models.BenchmarkResult, error) {
	if b.runner == nil {
		return nil, ErrRunnerNotConfigured
	}

	runCtx, cancel := context.WithTimeout(ctx, b.cfg.TestDuration)
	defer cancel()

	var (
		mu        sync.Mutex
		latencies []float64 // milliseconds
		failures  int
		peakCPU   float64
		peakMemMB float64
	)

	workers := b.cfg.MaxConcurrentTests
	if workers < 1 {
		workers = 1
	}
	payload := &models.PayloadEnvelope{Input: "benchmark"}

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for runCtx.Err() == nil {
				callStart := time.Now()
				_, usage, err := b.runner.Run(runCtx, plugin, payload)
				elapsed := float64(time.Since(callStart).Microseconds()) / 1000.0

				if runCtx.Err() != nil && err != nil {
					return // cut off mid-call by the test deadline, not a plugin failure
				}
				mu.Lock()
				latencies = append(latencies, elapsed)
				if err != nil {
					failures++
				}
				if usage != nil {
					if usage.CPUPercent > peakCPU {
						peakCPU = usage.CPUPercent
					}
					if usage.MemoryMB > peakMemMB {
						peakMemMB = usage.MemoryMB
					}
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := len(latencies)
	result := &models.BenchmarkResult{
		PluginID:     plugin.ID,
		TestCount:    total,
		SuccessCount: total - failures,
		CPUUsed:      peakCPU,
		MemoryUsedMB: peakMemMB,
		CreatedAt:    time.Now().UTC(),
	}
	if total > 0 {
		result.ResponseTimeMs = percentile(latencies, 0.95)
		result.ErrorRate = float64(failures) / float64(total)
		result.Throughput = float64(total) / elapsed.Seconds()
	} else {
		result.ErrorRate = 1
	}

	result.PerformanceTier = b.grade(result)
	result.RiskScore = b.riskScore(result)

	log.Info().
		Str("plugin", plugin.ID).
		Int("tests", total).
		Float64("p95_ms", result.ResponseTimeMs).
		Float64("error_rate", result.ErrorRate).
		Str("tier", string(result.PerformanceTier)).
		Msg("benchmark complete")
	return result, nil
}

// grade walks the tier cascade; a plugin that clears no tier is unstable.
func (b *Benchmarker) grade(r *models.BenchmarkResult) models.PerformanceTier {
	if r.TestCount == 0 {
		return models.TierUnstable
	}
	for _, tier := range tierOrder {
		th, ok := b.cfg.Thresholds[tier]
		if !ok {
			continue
		}
		if r.ResponseTimeMs <= th.MaxResponseTimeMs &&
			r.ErrorRate <= th.MaxErrorRate &&
			r.CPUUsed <= th.MaxCPUPercent &&
			r.MemoryUsedMB <= th.MaxMemoryMB {
			return tier
		}
	}
	return models.TierUnstable
}

// riskScore is the weighted relative overshoot above the stable-tier
// ceilings. Zero when everything is within bounds; unbounded above.
func (b *Benchmarker) riskScore(r *models.BenchmarkResult) float64 {
	th, ok := b.cfg.Thresholds[models.TierStable]
	if !ok || r.TestCount == 0 {
		return 0
	}
	score := overshoot(r.ResponseTimeMs, th.MaxResponseTimeMs)*1.0 +
		overshoot(r.ErrorRate, th.MaxErrorRate)*2.0 +
		overshoot(r.CPUUsed, th.MaxCPUPercent)*1.0 +
		overshoot(r.MemoryUsedMB, th.MaxMemoryMB)*1.0
	return score
}

func overshoot(value, limit float64) float64 {
	if limit <= 0 || value <= limit {
		return 0
	}
	return (value - limit) / limit
}

func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
