package domain

// OptimizedContext is the reduced payload produced by the context optimizer
// for a specific worker kind. It is a pure function of (raw context, worker
// kind), which makes it safe to cache by fingerprint.
type OptimizedContext struct {
	Fingerprint   string            `json:"fingerprint"`
	WorkerKind    WorkerKind        `json:"worker_kind"`
	Payload       map[string]string `json:"payload"`
	OriginalSize  int               `json:"original_size"`
	OptimizedSize int               `json:"optimized_size"`
	QualityScore  float64           `json:"quality_score"`
	Skipped       bool              `json:"optimization_skipped"`
}

// CompressionRatio returns optimized size relative to the original, in (0, 1].
// A ratio of 1 means no reduction was achieved (or optimization was skipped).
func (c *OptimizedContext) CompressionRatio() float64 {
	if c.OriginalSize == 0 {
		return 1
	}
	return float64(c.OptimizedSize) / float64(c.OriginalSize)
}
