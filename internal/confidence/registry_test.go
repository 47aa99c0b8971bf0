package confidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/osa-gateway/internal/model"
)

func TestFor_FixedScores(t *testing.T) {
	assert.Equal(t, 99, For(model.SourceFreshEnriched))
	assert.Equal(t, 95, For(model.SourceCachedEnriched))
	assert.Equal(t, 100, For(model.SourceSourceOnly))
	assert.Equal(t, 70, For(model.SourceStaticFallback))
}

func TestFor_EveryKindRegistered(t *testing.T) {
	for _, k := range model.AllSourceKinds() {
		_, ok := scores[k]
		assert.True(t, ok, "kind %s has no score", k)
	}
}

func TestFor_UnknownKind_Lenient(t *testing.T) {
	SetStrict(false)
	assert.Equal(t, Lowest, For(model.SourceKind("bogus")))
}

func TestFor_UnknownKind_StrictPanics(t *testing.T) {
	SetStrict(true)
	t.Cleanup(func() { SetStrict(false) })
	assert.Panics(t, func() { For(model.SourceKind("bogus")) })
}

func TestMaxAge(t *testing.T) {
	assert.Equal(t, 5*time.Minute, MaxAge(1))
	assert.Equal(t, 10*time.Minute, MaxAge(2))
	assert.Equal(t, 15*time.Minute, MaxAge(3))
	assert.Equal(t, 5*time.Minute, MaxAge(9))
}
