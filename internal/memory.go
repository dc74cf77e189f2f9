package internal

import (
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/mem"
	"go.uber.org/zap"
)

const memoryHighWatermarkPercent = 90.0

var nearMemoryLimit atomic.Bool

// NearMemoryLimit reports whether the last sample crossed the high
// watermark. Consumers pause intake while this is true.
func NearMemoryLimit() bool {
	return nearMemoryLimit.Load()
}

// StartMemoryWatcher samples system memory once per second and flips the
// high-watermark flag. Call once from main.
func StartMemoryWatcher() {
	go func() {
		for {
			vmStat, err := mem.VirtualMemory()
			if err != nil {
				zap.S().Warnf("Failed to read memory stats: %s", err)
				time.Sleep(10 * time.Second)
				continue
			}
			over := vmStat.UsedPercent > memoryHighWatermarkPercent
			if over && !nearMemoryLimit.Load() {
				zap.S().Warnf("Memory usage at %.1f%%, pausing intake", vmStat.UsedPercent)
			}
			nearMemoryLimit.Store(over)
			time.Sleep(time.Second)
		}
	}()
}
