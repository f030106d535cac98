package orchestrator

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// Delay computes the retry delay before attempt n (1-indexed: attempt 1 is
// the first retry): base * factor^(n-1) plus a deterministic jitter drawn
// uniformly from [0, jitterMS] using seed. Deterministic jitter keeps retry
// schedules reproducible for a given run and job.
func Delay(attempt int, baseMS int64, factor float64, jitterMS int64, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if baseMS <= 0 {
		return 0
	}
	ms := float64(baseMS) * math.Pow(factor, float64(attempt-1))
	if jitterMS > 0 {
		ms += jitterUnit(seed) * float64(jitterMS)
	}
	return time.Duration(math.Round(ms)) * time.Millisecond
}

// jitterUnit maps seed to [0,1] via SHA-256.
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
