package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/osa-gateway/internal/model"
)

func sample() model.ContentSource {
	return model.ContentSource{
		Kind:             model.SourceFreshEnriched,
		Confidence:       99,
		Payload:          model.Payload{"metrics": map[string]any{"sessions": 10.0}},
		ValidationStatus: model.ValidationValidated,
		PageID:           "strategy-plans",
		WidgetID:         "kpi-dashboard",
		GeneratedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()
	key := Key("strategy-plans", "kpi-dashboard")

	require.NoError(t, m.Set(ctx, key, sample(), 5*time.Minute))

	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SourceFreshEnriched, got.Kind)

	now = now.Add(5 * time.Minute)
	got, err = m.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, m.Len())
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	cs := sample()
	require.NoError(t, m.Set(ctx, "k", cs, time.Minute))
	cs.Payload["metrics"].(map[string]any)["sessions"] = 99.0

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	got.Payload["metrics"].(map[string]any)["sessions"] = 42.0

	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 10.0, again.Payload["metrics"].(map[string]any)["sessions"])
}

func TestMemory_DeleteAndZeroTTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "a", sample(), time.Minute))
	require.NoError(t, m.Set(ctx, "b", sample(), 0))
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Delete(ctx, "a", "missing"))
	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedis_RoundTripAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(RedisConfig{Address: mr.Addr(), KeyPrefix: "osa:content:"})
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck

	ctx := context.Background()
	key := Key("strategy-plans", "kpi-dashboard")
	require.NoError(t, r.Set(ctx, key, sample(), 10*time.Minute))

	assert.True(t, mr.Exists("osa:content:strategy-plans/kpi-dashboard"))
	assert.Equal(t, 10*time.Minute, mr.TTL("osa:content:strategy-plans/kpi-dashboard"))

	got, err := r.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sample(), *got)

	mr.FastForward(11 * time.Minute)
	got, err = r.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedis_Delete(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, r.Set(ctx, "k", sample(), time.Minute))
	require.NoError(t, r.Delete(ctx, "k"))
	assert.False(t, mr.Exists("k"))
	require.NoError(t, r.Ping(ctx))
}

func TestRedis_CorruptValue(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck

	require.NoError(t, mr.Set("k", "not json"))
	_, err = r.Get(context.Background(), "k")
	require.Error(t, err)
}

func TestNewRedis_Errors(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	require.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewRedis(RedisConfig{Address: addr})
	require.Error(t, err)
}
