package debug

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultProfile_OneShot(t *testing.T) {
	t.Parallel()

	f := NewFaultProfile()
	assert.True(t, f.take("file").none())

	f.SetFailNextRetrieve(true)
	f.SetCorruptNextDelta(true)
	require.NoError(t, f.SetDelayNextRetrieve(50*time.Millisecond))

	got := f.take("file")
	assert.True(t, got.fail)
	assert.True(t, got.corrupt)
	assert.Equal(t, 50*time.Millisecond, got.delay)

	assert.True(t, f.take("file").none(), "faults are consumed by the first take")
}

func TestFaultProfile_Target(t *testing.T) {
	t.Parallel()

	f := NewFaultProfile()
	f.SetTarget("cluster")
	f.SetHaltNextRetrieve(true)

	assert.True(t, f.take("file").none(), "other sources are untouched")
	assert.True(t, f.Snapshot().HaltNextRetrieve, "and the fault stays pending")

	assert.True(t, f.take("cluster").halt)
	assert.Equal(t, "cluster", f.Snapshot().Target, "the target outlives the fault")
}

func TestFaultProfile_Reset(t *testing.T) {
	t.Parallel()

	f := NewFaultProfile()
	f.SetTarget("file")
	f.SetFailNextRetrieve(true)
	f.SetHaltNextRetrieve(true)
	f.SetCorruptNextDelta(true)
	require.NoError(t, f.SetDelayNextRetrieve(time.Second))

	assert.Equal(t, FaultSnapshot{
		Target:              "file",
		FailNextRetrieve:    true,
		HaltNextRetrieve:    true,
		CorruptNextDelta:    true,
		DelayNextRetrieveMS: 1000,
	}, f.Snapshot())

	f.Reset()
	assert.Equal(t, FaultSnapshot{}, f.Snapshot())
}

func TestFaultProfile_NegativeDelay(t *testing.T) {
	t.Parallel()

	f := NewFaultProfile()
	assert.Error(t, f.SetDelayNextRetrieve(-time.Second))
	assert.Zero(t, f.Snapshot().DelayNextRetrieveMS)
}

func TestFromEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{"PKIWATCH_DEBUG": "true", "PKIWATCH_DEBUG_ADDR": "127.0.0.1:7070"}
	cfg := FromEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	assert.Equal(t, Available, cfg.Enabled, "debug mode needs the debug build tag")
	assert.Equal(t, "127.0.0.1:7070", cfg.Addr)

	cfg = FromEnv(func(string) (string, bool) { return "", false })
	assert.False(t, cfg.Enabled)
	assert.Equal(t, DefaultAddr, cfg.Addr)

	env = map[string]string{"PKIWATCH_DEBUG": "nope"}
	cfg = FromEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	assert.False(t, cfg.Enabled)
}
