package utils

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 Bytes", FormatBytes(512))
	assert.Equal(t, "1.50 KB", FormatBytes(1536))
	assert.Equal(t, "2.00 MB", FormatBytes(2*1024*1024))
	assert.Equal(t, "1.00 GB", FormatBytes(1024*1024*1024))
}

func TestGetProcessStatsOfCurrentProcess(t *testing.T) {
	stats, err := GetProcessStats(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), stats.PID)
	assert.NotZero(t, stats.MemoryRSS)
}
