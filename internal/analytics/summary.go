// Package analytics computes usage and cost summaries over fetched
// observations. All aggregation happens client-side; the backend is
// only ever asked for the raw observation data.
package analytics

import (
	"sort"
	"strings"
	"time"

	"github.com/fuseview/fuseview/internal/langfuse"
)

// ModelStats aggregates one model's share of a summary.
type ModelStats struct {
	Model         string
	Observations  int
	InputTokens   int64
	OutputTokens  int64
	TotalTokens   int64
	TotalCostUSD  float64
	TotalLatency  time.Duration
	MeanLatency   time.Duration
	ErrorCount    int
	GenerationCnt int
}

// Summary is the rollup of a set of observations, typically one trace
// or one window of traces.
type Summary struct {
	Observations int
	Generations  int
	Spans        int
	Events       int
	ErrorCount   int

	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	TotalCostUSD float64

	TotalLatency time.Duration
	MeanLatency  time.Duration

	// PerModel is sorted by total tokens descending, then model name.
	PerModel []ModelStats
}

// Summarize rolls up usage, cost, and latency over observations.
// Observations without usage or cost data still count toward totals.
func Summarize(observations []langfuse.Observation) Summary {
	summary := Summary{Observations: len(observations)}
	if len(observations) == 0 {
		return summary
	}

	byModel := make(map[string]*ModelStats)
	var timedCount int

	for _, obs := range observations {
		switch obs.Type {
		case langfuse.ObservationTypeGeneration:
			summary.Generations++
		case langfuse.ObservationTypeSpan:
			summary.Spans++
		case langfuse.ObservationTypeEvent:
			summary.Events++
		}
		if obs.Level == langfuse.LevelError {
			summary.ErrorCount++
		}

		var input, output, total int64
		if obs.Usage != nil {
			input = obs.Usage.Input
			output = obs.Usage.Output
			total = obs.Usage.Total
			if total == 0 {
				total = input + output
			}
		}
		summary.InputTokens += input
		summary.OutputTokens += output
		summary.TotalTokens += total

		cost := costOf(obs)
		summary.TotalCostUSD += cost

		duration := obs.Duration()
		if duration > 0 {
			summary.TotalLatency += duration
			timedCount++
		}

		model := strings.TrimSpace(obs.Model)
		if model == "" {
			continue
		}
		stats, ok := byModel[model]
		if !ok {
			stats = &ModelStats{Model: model}
			byModel[model] = stats
		}
		stats.Observations++
		stats.InputTokens += input
		stats.OutputTokens += output
		stats.TotalTokens += total
		stats.TotalCostUSD += cost
		stats.TotalLatency += duration
		if obs.Level == langfuse.LevelError {
			stats.ErrorCount++
		}
		if obs.Type == langfuse.ObservationTypeGeneration {
			stats.GenerationCnt++
		}
	}

	if timedCount > 0 {
		summary.MeanLatency = summary.TotalLatency / time.Duration(timedCount)
	}

	summary.PerModel = make([]ModelStats, 0, len(byModel))
	for _, stats := range byModel {
		if stats.Observations > 0 && stats.TotalLatency > 0 {
			stats.MeanLatency = stats.TotalLatency / time.Duration(stats.Observations)
		}
		summary.PerModel = append(summary.PerModel, *stats)
	}
	sort.Slice(summary.PerModel, func(i, j int) bool {
		if summary.PerModel[i].TotalTokens == summary.PerModel[j].TotalTokens {
			return summary.PerModel[i].Model < summary.PerModel[j].Model
		}
		return summary.PerModel[i].TotalTokens > summary.PerModel[j].TotalTokens
	})
	return summary
}

// costOf sums the cost breakdown, preferring the explicit total when
// the backend provides one.
func costOf(obs langfuse.Observation) float64 {
	if len(obs.CostDetails) == 0 {
		return 0
	}
	if total, ok := obs.CostDetails["total"]; ok {
		return total
	}
	var sum float64
	for _, value := range obs.CostDetails {
		sum += value
	}
	return sum
}
