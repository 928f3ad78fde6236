package settings

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() Snapshot {
	return Snapshot{
		Model:         "openai/gpt-4o-mini",
		SystemPrompt:  "You are terse.",
		Temperature:   0.3,
		TopP:          0.8,
		MaxTokens:     1024,
		ContextWindow: 8,
		RetentionSize: 40,
	}
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(defaults(), nil)
	require.NoError(t, err)
	return rt
}

func TestNewRejectsInvalidSeed(t *testing.T) {
	seed := defaults()
	seed.TopP = 1.5
	_, err := New(seed, nil)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "top_p", cfgErr.Field)

	seed = defaults()
	seed.ContextWindow = 0
	_, err = New(seed, nil)
	require.Error(t, err)
}

func TestSetTemperatureOutOfRangeKeepsPrevious(t *testing.T) {
	rt := newRuntime(t)

	err := rt.SetTemperature(2.5)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "temperature", cfgErr.Field)
	assert.InDelta(t, 0.3, rt.Temperature(), 1e-9)

	require.NoError(t, rt.SetTemperature(2))
	require.NoError(t, rt.SetTemperature(0))
	assert.Zero(t, rt.Temperature())
	require.Error(t, rt.SetTemperature(-0.1))
}

func TestSetTopPAndMaxTokensBounds(t *testing.T) {
	rt := newRuntime(t)

	require.NoError(t, rt.SetTopP(1))
	require.Error(t, rt.SetTopP(1.01))
	assert.InDelta(t, 1.0, rt.TopP(), 1e-9)

	require.NoError(t, rt.SetMaxTokens(4096))
	require.Error(t, rt.SetMaxTokens(4097))
	require.Error(t, rt.SetMaxTokens(0))
	assert.Equal(t, 4096, rt.MaxTokens())
}

func TestTextSetters(t *testing.T) {
	rt := newRuntime(t)

	require.NoError(t, rt.SetModel("  anthropic/claude-3.5-sonnet "))
	assert.Equal(t, "anthropic/claude-3.5-sonnet", rt.Model())
	require.Error(t, rt.SetModel("   "))
	require.Error(t, rt.SetModel("bad\x00model"))
	assert.Equal(t, "anthropic/claude-3.5-sonnet", rt.Model())

	require.NoError(t, rt.SetProvider("Anthropic"))
	assert.Equal(t, "Anthropic", rt.Provider())
	require.NoError(t, rt.SetProvider(""))
	assert.Empty(t, rt.Provider())
	require.Error(t, rt.SetProvider("a\nb"))

	require.NoError(t, rt.SetSystemPrompt("line one\n\tline two"))
	assert.Equal(t, "line one\n\tline two", rt.SystemPrompt())
	require.Error(t, rt.SetSystemPrompt("bell\a"))
	assert.Equal(t, "line one\n\tline two", rt.SystemPrompt())
}

func TestSnapshotIsACopy(t *testing.T) {
	rt := newRuntime(t)
	snap := rt.Snapshot()
	require.NoError(t, rt.SetMaxTokens(10))
	assert.Equal(t, 1024, snap.MaxTokens)
	assert.Equal(t, 10, rt.Snapshot().MaxTokens)
	assert.Equal(t, 8, rt.ContextWindow())
	assert.Equal(t, 40, rt.RetentionSize())
}

func TestConcurrentSettersAndReads(t *testing.T) {
	rt := newRuntime(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = rt.SetMaxTokens(1 + i)
		}(i)
		go func() {
			defer wg.Done()
			snap := rt.Snapshot()
			assert.Positive(t, snap.MaxTokens)
		}()
	}
	wg.Wait()
}
