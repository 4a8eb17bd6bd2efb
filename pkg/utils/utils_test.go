package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateID(t *testing.T) {
	id1 := GenerateID("peer")
	id2 := GenerateID("peer")

	assert.True(t, strings.HasPrefix(id1, "peer_"))
	assert.Len(t, id1, len("peer_")+16)
	assert.NotEqual(t, id1, id2)
	assert.Len(t, GenerateID(""), 32)
}

func TestGenerateSessionID(t *testing.T) {
	assert.Len(t, GenerateSessionID(), 36)
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "v=0...", TruncateString("v=0\r\no=- 1 2 IN IP4", 6))
	assert.Equal(t, "ab", TruncateString("abcdef", 2))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.d))
	}
}

func TestFormatCallClock(t *testing.T) {
	assert.Equal(t, "00:00", FormatCallClock(-time.Second))
	assert.Equal(t, "00:07", FormatCallClock(7*time.Second+300*time.Millisecond))
	assert.Equal(t, "12:34", FormatCallClock(12*time.Minute+34*time.Second))
	assert.Equal(t, "1:02:03", FormatCallClock(time.Hour+2*time.Minute+3*time.Second))
}
