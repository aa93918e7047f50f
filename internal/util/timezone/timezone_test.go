package timezone

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestISO8601UsesConfiguredZone(t *testing.T) {
	Initialize("UTC")
	ts := time.Date(2025, 7, 14, 10, 36, 51, 0, time.UTC)
	assert.Equal(t, "2025-07-14T10:36:51Z", ISO8601(ts))

	Initialize("Europe/Berlin")
	t.Cleanup(func() { Initialize("UTC") })
	assert.Equal(t, "2025-07-14T12:36:51+02:00", ISO8601(ts))
}

func TestInitializeFallsBackToUTC(t *testing.T) {
	Initialize("Not/AZone")
	require.Equal(t, time.UTC, Location())
}

func TestFileSafe(t *testing.T) {
	assert.Equal(t, "2025-07-14T10-36-51Z", FileSafe("2025-07-14T10:36:51Z"))
}
