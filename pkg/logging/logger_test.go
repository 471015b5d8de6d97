package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(Config{Level: "debug"})
	require.NoError(t, err)
	assert.Equal(t, "debug", logger.GetLevel())
}

func TestNewLoggerInvalidLevelFallsBack(t *testing.T) {
	logger, err := NewLogger(Config{Level: "loud"})
	require.NoError(t, err)
	assert.Equal(t, "info", logger.GetLevel())
}

func TestSetLevel(t *testing.T) {
	logger, err := NewLogger(Config{Level: "info"})
	require.NoError(t, err)

	require.NoError(t, logger.SetLevel("warn"))
	assert.Equal(t, "warn", logger.GetLevel())

	assert.Error(t, logger.SetLevel("bogus"))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "token=*****", Redact("token=s3cret", "s3cret"))
	assert.Equal(t, "***** and *****", Redact("s3cret and s3cret", "s3cret"))
	assert.Equal(t, "nothing here", Redact("nothing here", "s3cret"))
	assert.Equal(t, "unchanged", Redact("unchanged", ""))
}

func TestWithHelpers(t *testing.T) {
	logger, err := NewLogger(Config{Level: "info"})
	require.NoError(t, err)

	assert.NotNil(t, logger.WithRequestID("req-1"))
	assert.NotNil(t, logger.WithComponent("backend"))
	assert.NotNil(t, logger.WithError(assert.AnError))
}
