package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/punchhole/internal/obs"
)

func TestRedisMirror_TracksRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	m, err := NewRedisMirror(mr.Addr(), "", 0, time.Minute, obs.Nop())
	require.NoError(t, err)
	defer m.Close()

	r := New(m)
	a := rec("198.51.100.1", 40000, "10.0.0.5", 5001)
	r.Register(a)

	const key = "punchhole:peer:198.51.100.1:40000"
	require.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))

	raw, err := mr.Get(key)
	require.NoError(t, err)
	var got peerData
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, a, got.PeerRecord)
	assert.Equal(t, m.instanceID, got.Instance)
	assert.WithinDuration(t, time.Now(), got.RegisteredAt, time.Minute)

	// re-registering rewrites the value and refreshes the TTL
	mr.FastForward(30 * time.Second)
	a.LocalPort = 6001
	r.Register(a)
	assert.Equal(t, time.Minute, mr.TTL(key))
	raw, err = mr.Get(key)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.EqualValues(t, 6001, got.LocalPort)

	require.True(t, r.Unregister("198.51.100.1", 40000))
	assert.False(t, mr.Exists(key))
	assert.Empty(t, mr.Keys())
}

func TestRedisMirror_DefaultTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	m, err := NewRedisMirror(mr.Addr(), "", 0, 0, obs.Nop())
	require.NoError(t, err)
	defer m.Close()

	m.OnRegister(rec("198.51.100.2", 40001, "10.0.0.6", 5002))
	assert.Equal(t, 24*time.Hour, mr.TTL("punchhole:peer:198.51.100.2:40001"))
}

func TestRedisMirror_WriteFailureIsCounted(t *testing.T) {
	mr := miniredis.RunT(t)
	m, err := NewRedisMirror(mr.Addr(), "", 0, time.Minute, obs.Nop())
	require.NoError(t, err)
	defer m.Close()

	mr.SetError("ERR injected failure")
	before := testutil.ToFloat64(obs.ErrorsTotal.WithLabelValues("redis_set"))
	m.OnRegister(rec("198.51.100.3", 40002, "10.0.0.7", 5003))
	assert.Equal(t, before+1, testutil.ToFloat64(obs.ErrorsTotal.WithLabelValues("redis_set")))

	before = testutil.ToFloat64(obs.ErrorsTotal.WithLabelValues("redis_del"))
	m.OnUnregister(rec("198.51.100.3", 40002, "10.0.0.7", 5003))
	assert.Equal(t, before+1, testutil.ToFloat64(obs.ErrorsTotal.WithLabelValues("redis_del")))
}
