// Package confidence maps content-source kinds to their fixed confidence
// scores and page tiers to their cache age limits.
package confidence

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/osa-gateway/internal/model"
)

// Lowest is the score associated with uncertain content.
const Lowest = 70

var scores = map[model.SourceKind]int{
	model.SourceFreshEnriched:  99,
	model.SourceCachedEnriched: 95,
	model.SourceSourceOnly:     100,
	model.SourceStaticFallback: 70,
}

var maxAges = map[int]time.Duration{
	1: 5 * time.Minute,
	2: 10 * time.Minute,
	3: 15 * time.Minute,
}

var strict atomic.Bool

// SetStrict toggles development mode, in which lookups of an unknown kind
// panic instead of degrading to Lowest.
func SetStrict(on bool) {
	strict.Store(on)
}

// For returns the fixed confidence score for kind.
func For(kind model.SourceKind) int {
	if c, ok := scores[kind]; ok {
		return c
	}
	if strict.Load() {
		panic(fmt.Sprintf("confidence: unknown source kind %q", kind))
	}
	zap.L().Error("confidence: unknown source kind, using lowest score",
		zap.String("kind", string(kind)),
	)
	return Lowest
}

// MaxAge returns how long a cached result for a page of the given tier
// stays fresh. Unknown tiers get the shortest window.
func MaxAge(tier int) time.Duration {
	if d, ok := maxAges[tier]; ok {
		return d
	}
	return maxAges[1]
}
