package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemSampler periodically samples process CPU and memory and feeds them
// into a MetricsInterface. Grounded on the teacher's SystemMetrics
// (internal/metrics/system.go); trimmed to the one thing a client SDK's
// background sampler actually needs; the smoothing approach (exponential
// moving average over gopsutil samples) is kept verbatim.
type SystemSampler struct {
	mu         sync.Mutex
	cpuPercent float64
	metrics    MetricsInterface
}

// NewSystemSampler returns a sampler that reports into m.
func NewSystemSampler(m MetricsInterface) *SystemSampler {
	return &SystemSampler{metrics: m}
}

// Sample takes one CPU reading (blocking for interval) and one memory
// reading, then pushes both to the wired MetricsInterface. Intended to be
// called periodically from a background goroutine owned by Database.
func (s *SystemSampler) Sample(interval time.Duration) {
	percents, err := cpu.Percent(interval, false)
	if err == nil && len(percents) > 0 {
		s.mu.Lock()
		if s.cpuPercent == 0 {
			s.cpuPercent = percents[0]
		} else {
			const alpha = 0.3
			s.cpuPercent = alpha*percents[0] + (1-alpha)*s.cpuPercent
		}
		current := s.cpuPercent
		s.mu.Unlock()
		s.metrics.UpdateCPUUsage(current)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.metrics.UpdateMemoryUsage(mem.HeapAlloc)
	s.metrics.UpdateGoroutinesCount(runtime.NumGoroutine())
}

// Run samples on a ticker until ctx's done channel-equivalent stop is
// closed. Callers typically run this in its own goroutine from Database.
func (s *SystemSampler) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Sample(time.Second)
		}
	}
}
