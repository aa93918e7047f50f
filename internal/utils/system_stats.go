package utils

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

var (
	lastCPUTime        time.Time
	lastCPUUsage       float64
	cpuUsageMutex      sync.Mutex
	cpuUsageSampleRate = 500 * time.Millisecond
)

// ProcessStats holds resource usage of a single process.
type ProcessStats struct {
	PID           int     `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSS     uint64  `json:"memory_rss"`
	MemoryPercent float32 `json:"memory_percent"`
	NumThreads    int32   `json:"num_threads"`
}

// SystemStats holds host and application statistics.
type SystemStats struct {
	NumCPU      int       `json:"num_cpu"`
	GoRoutines  int       `json:"go_routines"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryAlloc uint64    `json:"memory_alloc"`
	MemorySys   uint64    `json:"memory_sys"`
	Timestamp   time.Time `json:"timestamp"`
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d Bytes", bytes)
	}
}

// GetCPUUsage returns the host CPU usage, cached for half a second.
func GetCPUUsage() float64 {
	cpuUsageMutex.Lock()
	defer cpuUsageMutex.Unlock()

	if time.Since(lastCPUTime) < cpuUsageSampleRate && lastCPUTime.Unix() > 0 {
		return lastCPUUsage
	}

	percentages, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		log.Warnf("Failed to measure CPU usage: %v", err)
		return 0.0
	}

	var usage float64
	if len(percentages) > 0 {
		usage = percentages[0]
	}

	lastCPUTime = time.Now()
	lastCPUUsage = usage

	return usage
}

// GetSystemStats collects host and Go runtime statistics.
func GetSystemStats() *SystemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return &SystemStats{
		NumCPU:      runtime.NumCPU(),
		GoRoutines:  runtime.NumGoroutine(),
		CPUUsage:    GetCPUUsage(),
		MemoryAlloc: memStats.Alloc,
		MemorySys:   memStats.Sys,
		Timestamp:   time.Now(),
	}
}

// GetProcessStats reads CPU and memory usage of the process with the given pid.
func GetProcessStats(pid int) (*ProcessStats, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("lookup process %d: %w", pid, err)
	}

	stats := &ProcessStats{PID: pid}
	if cpuPercent, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpuPercent
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		stats.MemoryRSS = memInfo.RSS
	}
	if memPercent, err := proc.MemoryPercent(); err == nil {
		stats.MemoryPercent = memPercent
	}
	if threads, err := proc.NumThreads(); err == nil {
		stats.NumThreads = threads
	}
	return stats, nil
}
