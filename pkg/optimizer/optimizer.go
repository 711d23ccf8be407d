// Package optimizer selects models per step from an SLO and historical
// performance data.
package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// SLO is the service-level objective for one step.
type SLO struct {
	QualityMin        float64 `yaml:"quality_min" json:"quality_min"`
	CostMaxUSD        float64 `yaml:"cost_max_usd" json:"cost_max_usd"`
	LatencyMaxSeconds float64 `yaml:"latency_max_seconds" json:"latency_max_seconds"`
	OptimizeFor       string  `yaml:"optimize_for" json:"optimize_for"`
}

// DefaultSLO fills unset fields with the standard objective.
func DefaultSLO() SLO {
	return SLO{QualityMin: 0.6, CostMaxUSD: 0.20, LatencyMaxSeconds: 120, OptimizeFor: "balanced"}
}

// Objectives accepted in slo.optimize_for.
var Objectives = map[string]bool{
	"cost": true, "quality": true, "latency": true, "balanced": true, "pareto": true,
}

// ModelOption is one model choice in a step's pool, optionally enriched
// with performance stats.
type ModelOption struct {
	ID       string `yaml:"id" json:"id"`
	Model    string `yaml:"model" json:"model"`
	MaxTurns int    `yaml:"max_turns" json:"max_turns"`

	AvgQuality  float64 `yaml:"-" json:"avg_quality,omitempty"`
	AvgCost     float64 `yaml:"-" json:"avg_cost,omitempty"`
	AvgLatency  float64 `yaml:"-" json:"avg_latency,omitempty"`
	HasQuality  bool    `yaml:"-" json:"-"`
	HasCost     bool    `yaml:"-" json:"-"`
	HasLatency  bool    `yaml:"-" json:"-"`
	SampleCount int     `yaml:"-" json:"sample_count,omitempty"`
}

// DefaultPool is used when a step declares model_pool: auto.
func DefaultPool() []ModelOption {
	return []ModelOption{
		{ID: "fast-cheap", Model: "haiku", MaxTurns: 5},
		{ID: "balanced", Model: "sonnet", MaxTurns: 10},
		{ID: "thorough", Model: "opus", MaxTurns: 20},
	}
}

// Decision is the result of one model selection.
type Decision struct {
	Selected       ModelOption
	Reason         string
	Alternatives   []ModelOption
	BudgetPressure float64
	Confidence     float64
}

// PerformanceStats is aggregated history for one model on one step.
type PerformanceStats struct {
	Model       string
	AvgQuality  float64
	HasQuality  bool
	AvgCost     float64
	AvgLatency  float64
	SampleCount int
}

// StatsSource loads performance history from persisted run steps and
// autopilot samples.
type StatsSource interface {
	PerformanceStats(ctx context.Context, workflowName, stepID string) ([]PerformanceStats, error)
}

const statsCacheTTL = 5 * time.Minute

// Optimizer caches stats per (workflow, step) and scores model pools.
type Optimizer struct {
	source StatsSource
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedStats
	now   func() time.Time
}

type cachedStats struct {
	at    time.Time
	stats []PerformanceStats
}

// New creates an optimizer over the given stats source.
func New(source StatsSource, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		source: source,
		logger: logger,
		cache:  make(map[string]cachedStats),
		now:    time.Now,
	}
}

// SelectModel picks the best pool option for a step given its SLO,
// historical performance, and current budget pressure.
func (o *Optimizer) SelectModel(ctx context.Context, stepID, workflowName string, slo SLO, pool []ModelOption, budgetPressure float64) Decision {
	stats := o.performanceStats(ctx, workflowName, stepID)
	enriched := enrichPool(pool, stats)

	// Hard SLO constraints only apply where history exists.
	var viable []ModelOption
	for _, opt := range enriched {
		if opt.HasQuality && opt.AvgQuality < slo.QualityMin {
			continue
		}
		if opt.HasCost && slo.CostMaxUSD > 0 && opt.AvgCost > slo.CostMaxUSD {
			continue
		}
		if opt.HasLatency && slo.LatencyMaxSeconds > 0 && opt.AvgLatency > slo.LatencyMaxSeconds {
			continue
		}
		viable = append(viable, opt)
	}
	if len(viable) == 0 {
		viable = []ModelOption{medianCostOption(enriched)}
	}

	var selected ModelOption
	var reason string
	switch {
	case budgetPressure > 0.9:
		sort.SliceStable(viable, func(i, j int) bool {
			return knownCost(viable[i]) < knownCost(viable[j])
		})
		selected = viable[0]
		reason = fmt.Sprintf("Budget critical (%.0f%%). Forced cheapest viable option.", budgetPressure*100)
	case budgetPressure > 0.7:
		selected = scoreWithCostBias(viable, 0.7)
		reason = fmt.Sprintf("Budget pressure (%.0f%%). Biased toward cost savings.", budgetPressure*100)
	default:
		selected = scoreByObjective(viable, slo)
		reason = fmt.Sprintf("Optimized for %s.", slo.OptimizeFor)
	}

	coldStart := true
	for _, opt := range enriched {
		if opt.SampleCount > 0 {
			coldStart = false
			break
		}
	}
	if coldStart {
		selected = medianCostOption(enriched)
		reason = "Cold start - no historical data. Using balanced default."
	}

	var alternatives []ModelOption
	for _, opt := range viable {
		if opt.ID != selected.ID {
			alternatives = append(alternatives, opt)
		}
	}

	return Decision{
		Selected:       selected,
		Reason:         reason,
		Alternatives:   alternatives,
		BudgetPressure: budgetPressure,
		Confidence:     confidence(selected.SampleCount),
	}
}

func knownCost(opt ModelOption) float64 {
	if opt.HasCost {
		return opt.AvgCost
	}
	return math.Inf(1)
}

// scoreByObjective picks the argmax of the objective's scoring formula.
// Unknown stats use neutral defaults (q=0.5, c=0.10, l=60).
func scoreByObjective(options []ModelOption, slo SLO) ModelOption {
	score := func(opt ModelOption) float64 {
		q, c, l := defaults(opt)
		switch slo.OptimizeFor {
		case "cost":
			return -c + q*0.1
		case "quality":
			return q - c*0.1
		case "latency":
			return -l + q*0.1
		default: // balanced
			return q*0.4 - c*0.3/0.5 - l*0.3/120
		}
	}
	return argmax(options, score)
}

// scoreWithCostBias weighs cost at costBias against quality.
func scoreWithCostBias(options []ModelOption, costBias float64) ModelOption {
	score := func(opt ModelOption) float64 {
		q, c, _ := defaults(opt)
		return q*(1-costBias) - c*costBias/0.5
	}
	return argmax(options, score)
}

func defaults(opt ModelOption) (q, c, l float64) {
	q, c, l = 0.5, 0.10, 60.0
	if opt.HasQuality {
		q = opt.AvgQuality
	}
	if opt.HasCost {
		c = opt.AvgCost
	}
	if opt.HasLatency {
		l = opt.AvgLatency
	}
	return q, c, l
}

func argmax(options []ModelOption, score func(ModelOption) float64) ModelOption {
	best := options[0]
	bestScore := score(best)
	for _, opt := range options[1:] {
		if s := score(opt); s > bestScore {
			best, bestScore = opt, s
		}
	}
	return best
}

// medianCostOption returns the middle option when sorted by known cost.
func medianCostOption(pool []ModelOption) ModelOption {
	sorted := make([]ModelOption, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci, cj := 0.10, 0.10
		if sorted[i].HasCost {
			ci = sorted[i].AvgCost
		}
		if sorted[j].HasCost {
			cj = sorted[j].AvgCost
		}
		return ci < cj
	})
	return sorted[len(sorted)/2]
}

func enrichPool(pool []ModelOption, stats []PerformanceStats) []ModelOption {
	byModel := make(map[string]PerformanceStats, len(stats))
	for _, s := range stats {
		byModel[s.Model] = s
	}
	enriched := make([]ModelOption, len(pool))
	for i, opt := range pool {
		enriched[i] = opt
		if s, ok := byModel[opt.Model]; ok {
			enriched[i].AvgQuality = s.AvgQuality
			enriched[i].HasQuality = s.HasQuality
			enriched[i].AvgCost = s.AvgCost
			enriched[i].HasCost = s.SampleCount > 0
			enriched[i].AvgLatency = s.AvgLatency
			enriched[i].HasLatency = s.SampleCount > 0
			enriched[i].SampleCount = s.SampleCount
		}
	}
	return enriched
}

// confidence maps sample counts to a confidence score.
func confidence(samples int) float64 {
	switch {
	case samples >= 50:
		return 0.95
	case samples >= 20:
		return 0.8
	case samples >= 5:
		return 0.6
	case samples >= 1:
		return 0.3
	default:
		return 0.1
	}
}

func (o *Optimizer) performanceStats(ctx context.Context, workflowName, stepID string) []PerformanceStats {
	key := workflowName + ":" + stepID
	now := o.now()

	o.mu.Lock()
	if cached, ok := o.cache[key]; ok && now.Sub(cached.at) < statsCacheTTL {
		stats := cached.stats
		o.mu.Unlock()
		return stats
	}
	o.mu.Unlock()

	var stats []PerformanceStats
	if o.source != nil {
		var err error
		stats, err = o.source.PerformanceStats(ctx, workflowName, stepID)
		if err != nil {
			o.logger.Warn("could not load performance stats", "error", err)
			stats = nil
		}
	}

	o.mu.Lock()
	o.cache[key] = cachedStats{at: now, stats: stats}
	o.mu.Unlock()
	return stats
}

// BudgetPressure is current cost over the budget, clamped to [0, 1].
// A run without a budget has zero pressure.
func BudgetPressure(currentCost float64, maxCost float64) float64 {
	if maxCost <= 0 {
		return 0
	}
	return math.Min(currentCost/maxCost, 1.0)
}
