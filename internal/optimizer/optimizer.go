// Package optimizer reduces a raw activity context into a smaller payload
// sized for a target worker kind, with a validated quality floor.
//
// Optimize is a pure function of (raw context, worker kind): it consults no
// clock and no mutable state, so results are cacheable by fingerprint.
package optimizer

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/tesserbridge/bridge/internal/config"
	"github.com/tesserbridge/bridge/internal/domain"
)

// maxLevel is the most aggressive summarization level. Attempts walk from
// maxLevel down toward 0 until the quality floor is met.
const maxLevel = 2

// Optimizer compresses raw contexts per worker kind.
type Optimizer struct {
	cfg       config.OptimizerConfig
	relevance RelevanceTable
	logger    *slog.Logger
}

// Option customizes an Optimizer.
type Option func(*Optimizer)

// WithRelevance overrides the default per-worker-kind relevance table.
func WithRelevance(table RelevanceTable) Option {
	return func(o *Optimizer) { o.relevance = table }
}

// New creates an Optimizer.
func New(cfg config.OptimizerConfig, logger *slog.Logger, opts ...Option) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Optimizer{
		cfg:       cfg,
		relevance: DefaultRelevance(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Optimize produces an optimized context for the worker kind. If no
// compression level satisfies the quality floor within the configured
// attempt budget, the raw context is returned unmodified with the
// optimization-skipped flag set; meaning is never sacrificed for size.
func (o *Optimizer) Optimize(raw map[string]string, kind domain.WorkerKind) *domain.OptimizedContext {
	fp := Fingerprint(raw, kind)
	originalSize := contextSize(raw)

	level := maxLevel
	for attempt := 0; attempt < o.cfg.MaxAttempts && level >= 0; attempt++ {
		payload := o.compress(raw, kind, level)
		quality := Similarity(raw, payload)

		if quality >= o.cfg.QualityFloor {
			return &domain.OptimizedContext{
				Fingerprint:   fp,
				WorkerKind:    kind,
				Payload:       payload,
				OriginalSize:  originalSize,
				OptimizedSize: contextSize(payload),
				QualityScore:  quality,
			}
		}

		o.logger.Debug("optimization below quality floor, relaxing",
			"worker_kind", kind, "level", level, "quality", quality, "floor", o.cfg.QualityFloor)
		level--
	}

	// Fall back to the raw context rather than risk losing meaning.
	return &domain.OptimizedContext{
		Fingerprint:   fp,
		WorkerKind:    kind,
		Payload:       raw,
		OriginalSize:  originalSize,
		OptimizedSize: originalSize,
		QualityScore:  1,
		Skipped:       true,
	}
}

// compress applies relevance filtering then structural summarization at the
// given aggressiveness level.
func (o *Optimizer) compress(raw map[string]string, kind domain.WorkerKind, level int) map[string]string {
	floor := dropFloor(level)
	out := make(map[string]string, len(raw))
	for field, value := range raw {
		weight := o.relevance.Weight(kind, field)
		if weight < floor {
			continue
		}
		out[field] = summarize(value, level)
	}
	return out
}

// dropFloor returns the minimum relevance weight a field must have to
// survive at a given level. Higher levels drop more; level 0 keeps every
// field so the gentlest attempt can always recover quality.
func dropFloor(level int) float64 {
	switch level {
	case 2:
		return 0.5
	case 1:
		return 0.3
	default:
		return 0
	}
}

// Fingerprint returns a deterministic hash of (raw context, worker kind),
// used as the cache key for optimized contexts and worker results.
func Fingerprint(raw map[string]string, kind domain.WorkerKind) string {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	h.WriteString(string(kind)) //nolint:errcheck // xxhash writes never fail
	for _, k := range keys {
		h.WriteString("\x00")    //nolint:errcheck
		h.WriteString(k)         //nolint:errcheck
		h.WriteString("\x01")    //nolint:errcheck
		h.WriteString(raw[k])    //nolint:errcheck
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func contextSize(m map[string]string) int {
	n := 0
	for k, v := range m {
		n += len(k) + len(v)
	}
	return n
}
