// Package monitor collects host and process metrics for the status command.
package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gopsutilNet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	snapshotCacheTTL = 2 * time.Second
	cpuSampleWindow  = 500 * time.Millisecond
	processLimit     = 10
)

// Snapshot is one point-in-time view of the host.
type Snapshot struct {
	Platform string  `json:"platform"`
	CPUUsage float64 `json:"cpu_usage"`
	CPUCores int     `json:"cpu_cores"`

	LoadAverage []float64 `json:"load_average,omitempty"`

	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryPercent    float64 `json:"memory_percent"`

	NetworkBytesReceived uint64 `json:"network_bytes_received"`
	NetworkBytesSent     uint64 `json:"network_bytes_sent"`

	Processes   []ProcessInfo `json:"processes"`
	TimestampMs int64         `json:"timestamp_ms"`
}

// ProcessInfo is one row of the top-process table, ranked by CPU.
type ProcessInfo struct {
	PID         int32   `json:"pid"`
	Name        string  `json:"name"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Username    string  `json:"username"`
}

// Service caches snapshots briefly so repeated status calls stay cheap.
type Service struct {
	log *slog.Logger

	mu      sync.Mutex
	hasSnap bool
	snap    Snapshot
	taken   time.Time
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log}
}

// Snapshot returns a recent host snapshot, collecting a fresh one when the
// cached view is stale. Collection is best-effort per metric: a probe that
// fails leaves its fields zero instead of failing the whole snapshot.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	s.mu.Lock()
	if s.hasSnap && time.Since(s.taken) < snapshotCacheTTL {
		snap := s.snap
		s.mu.Unlock()
		return snap
	}
	s.mu.Unlock()

	snap := s.collect(ctx)

	s.mu.Lock()
	s.snap, s.taken, s.hasSnap = snap, time.Now(), true
	s.mu.Unlock()
	return snap
}

func (s *Service) collect(ctx context.Context) Snapshot {
	snap := Snapshot{
		Platform:    runtime.GOOS,
		CPUCores:    runtime.NumCPU(),
		TimestampMs: time.Now().UnixMilli(),
	}

	if usage, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false); err == nil && len(usage) > 0 {
		snap.CPUUsage = usage[0]
	} else if err != nil {
		s.log.Debug("cpu probe failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap.MemoryTotalBytes = vm.Total
		snap.MemoryUsedBytes = vm.Used
		snap.MemoryPercent = vm.UsedPercent
	}

	if ioStats, err := gopsutilNet.IOCountersWithContext(ctx, false); err == nil && len(ioStats) > 0 {
		snap.NetworkBytesReceived = ioStats[0].BytesRecv
		snap.NetworkBytesSent = ioStats[0].BytesSent
	}

	snap.Processes = topProcesses(ctx)
	return snap
}

func topProcesses(ctx context.Context) []ProcessInfo {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if p == nil {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || strings.TrimSpace(name) == "" {
			continue
		}
		info := ProcessInfo{PID: p.Pid, Name: name}
		if pct, err := p.CPUPercentWithContext(ctx); err == nil {
			info.CPUPercent = pct
		}
		if memInfo, err := p.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
			info.MemoryBytes = memInfo.RSS
		}
		if user, err := p.UsernameWithContext(ctx); err == nil {
			info.Username = user
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CPUPercent != out[j].CPUPercent {
			return out[i].CPUPercent > out[j].CPUPercent
		}
		return out[i].MemoryBytes > out[j].MemoryBytes
	})
	if len(out) > processLimit {
		out = out[:processLimit]
	}
	return out
}
