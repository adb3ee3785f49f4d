package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRFC3339Millis(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 3, 9, 14, 5, 7, 123_456_789, time.FixedZone("x", 3600))
	assert.Equal(t, "2024-03-09T13:05:07.123Z", formatRFC3339Millis(ts))
}

func TestNewWithWriter_DropsEmptyStrings(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWithWriter(&buf, false)
	log.Info("event done", "table", "orders", "partition", "")
	out := buf.String()
	assert.Contains(t, out, "event done")
	assert.Contains(t, out, "table=orders")
	assert.NotContains(t, out, "partition=")
}

func TestNewWithWriter_Level(t *testing.T) {
	t.Parallel()
	var quiet, verbose bytes.Buffer
	NewWithWriter(&quiet, false).Debug("hidden")
	NewWithWriter(&verbose, true).Debug("shown")
	assert.Empty(t, quiet.String())
	assert.Contains(t, verbose.String(), "shown")
}
