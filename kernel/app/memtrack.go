package app

import (
	"log/slog"
	"runtime"
	"time"
)

// memoryTracker periodically logs runtime allocation statistics, the same
// ticker-driven-background-loop-stopped-by-closing-shutdown shape every
// other long-lived loop in this package uses. It only runs when
// TEN_ENABLE_MEMORY_TRACKING is set.
type memoryTracker struct {
	logger   *slog.Logger
	interval time.Duration
	shutdown chan struct{}
}

func newMemoryTracker(logger *slog.Logger, interval time.Duration) *memoryTracker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &memoryTracker{
		logger:   logger.With("component", "memory_tracker"),
		interval: interval,
		shutdown: make(chan struct{}),
	}
}

func (m *memoryTracker) start() {
	go m.loop()
}

func (m *memoryTracker) stop() {
	close(m.shutdown)
}

func (m *memoryTracker) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.report()
		case <-m.shutdown:
			return
		}
	}
}

func (m *memoryTracker) report() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	m.logger.Info("memory stats",
		"alloc_bytes", stats.Alloc,
		"total_alloc_bytes", stats.TotalAlloc,
		"sys_bytes", stats.Sys,
		"heap_objects", stats.HeapObjects,
		"num_gc", stats.NumGC,
		"goroutines", runtime.NumGoroutine(),
	)
}
