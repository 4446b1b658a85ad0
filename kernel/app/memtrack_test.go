package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryTrackerReportsStats(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	tracker := newMemoryTracker(logger, 10*time.Millisecond)
	tracker.start()
	defer tracker.stop()

	deadline := time.After(time.Second)
	for {
		if strings.Contains(buf.String(), "memory stats") {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a memory stats log line")
		case <-time.After(time.Millisecond):
		}
	}

	assert.Contains(t, buf.String(), "alloc_bytes")
}

func TestMemoryTrackerStopHaltsReporting(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	tracker := newMemoryTracker(logger, 5*time.Millisecond)
	tracker.start()
	tracker.stop()

	time.Sleep(20 * time.Millisecond)
	countAtStop := strings.Count(buf.String(), "memory stats")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, countAtStop, strings.Count(buf.String(), "memory stats"))
}
