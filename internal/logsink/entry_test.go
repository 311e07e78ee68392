package logsink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEntry_NormalizeAndLine(t *testing.T) {
	now := time.Date(2026, 3, 1, 13, 0, 0, 0, time.FixedZone("CET", 3600))

	e := Entry{Level: " warn ", Message: "disk almost full\n"}
	e.Normalize(now)

	assert.Equal(t, "WARN", e.Level)
	assert.Equal(t, DefaultSource, e.Source)
	assert.Equal(t, now, e.Timestamp)
	assert.Equal(t, "2026-03-01T12:00:00Z [WARN] system: disk almost full\n", e.Line())

	kept := Entry{Timestamp: now.Add(-time.Hour), Message: "m", Source: "ci"}
	kept.Normalize(now)
	assert.Equal(t, DefaultLevel, kept.Level)
	assert.Equal(t, "ci", kept.Source)
	assert.Equal(t, now.Add(-time.Hour), kept.Timestamp)
}
