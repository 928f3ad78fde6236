package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewRespectsLevel(t *testing.T) {
	logger, err := New("warn", true)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = New("chatty", false)
	require.Error(t, err)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "1234****wxyz", Mask("1234567890:abcdefwxyz"))
	assert.Equal(t, "*****", Mask("short"))
	assert.Equal(t, "", Mask(""))
}
