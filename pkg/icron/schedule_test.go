package icron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "0 */30 * * * *", "@hourly"} {
		_, err := Parse(expr)
		assert.NoError(t, err, expr)
	}
	_, err := Parse("bad cron")
	assert.Error(t, err)
}

func TestGetTriggerInfo(t *testing.T) {
	ref := time.Date(2024, 1, 1, 10, 7, 0, 0, time.UTC)

	info, err := GetTriggerInfo("*/15 * * * *", ref, 3)
	require.NoError(t, err)
	require.Len(t, info.Next, 3)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC), info.Next[0])
	assert.Equal(t, time.Date(2024, 1, 1, 10, 45, 0, 0, time.UTC), info.Next[2])
	assert.Equal(t, 8*time.Minute, info.TimeUntilNext)
}

func TestGetTriggerInfo_Seconds(t *testing.T) {
	ref := time.Date(2024, 1, 1, 10, 0, 5, 0, time.UTC)

	info, err := GetTriggerInfo("30 * * * * *", ref, 0)
	require.NoError(t, err)
	require.Len(t, info.Next, 1)
	assert.Equal(t, 25*time.Second, info.TimeUntilNext)
}
