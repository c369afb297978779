// Package monitor measures wall-clock duration and memory movement around a
// script run.
package monitor

import (
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Sample is the measurement of one run.
type Sample struct {
	DurationSeconds float64
	MemoryDeltaMB   float64 // may be negative
}

// Monitor samples resident memory of the supervising process. The child is
// short-lived and gone by the time the run is accounted, so daemon RSS is
// the accepted approximation.
type Monitor struct {
	proc   *process.Process
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Monitor for the current process. If the process handle
// cannot be opened, memory deltas are reported as zero.
func New(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{logger: logger.With("component", "monitor"), now: time.Now}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.logger.Warn("process handle unavailable, memory deltas disabled", "error", err)
	} else {
		m.proc = proc
	}
	return m
}

// Handle is an in-progress measurement.
type Handle struct {
	m        *Monitor
	started  time.Time
	rssStart uint64
	rssOK    bool
}

// Start begins a measurement.
func (m *Monitor) Start() *Handle {
	h := &Handle{m: m, started: m.now()}
	h.rssStart, h.rssOK = m.rss()
	return h
}

// Stop ends the measurement.
func (h *Handle) Stop() Sample {
	s := Sample{DurationSeconds: h.m.now().Sub(h.started).Seconds()}
	if !h.rssOK {
		return s
	}
	end, ok := h.m.rss()
	if !ok {
		return s
	}
	s.MemoryDeltaMB = (float64(end) - float64(h.rssStart)) / (1024 * 1024)
	return s
}

func (m *Monitor) rss() (uint64, bool) {
	if m.proc == nil {
		return 0, false
	}
	info, err := m.proc.MemoryInfo()
	if err != nil {
		m.logger.Debug("rss sample failed", "error", err)
		return 0, false
	}
	return info.RSS, true
}
