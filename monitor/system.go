package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// Resources is host resource usage. Percentages are 0-100; network
// counters are cumulative bytes.
type Resources struct {
	CPU         float64 `json:"cpu_usage"`
	Memory      float64 `json:"memory_usage"`
	Disk        float64 `json:"disk_usage"`
	NetSent     uint64  `json:"network_bytes_sent"`
	NetRecv     uint64  `json:"network_bytes_recv"`
	Connections int     `json:"active_connections"`
}

// MetricsSource reports host resource usage.
type MetricsSource interface {
	Collect(ctx context.Context) (Resources, error)
}

// SystemSource reads resource usage from the local host.
type SystemSource struct {
	// CPUWindow is how long CPU usage is sampled for.
	CPUWindow time.Duration
	// DiskPath is the mount point whose usage is reported.
	DiskPath string
}

// NewSystemSource returns a SystemSource sampling CPU over one second and
// disk usage of the root filesystem.
func NewSystemSource() *SystemSource {
	return &SystemSource{CPUWindow: time.Second, DiskPath: "/"}
}

// Collect gathers what it can. Individual probe failures are joined into
// the returned error; the fields they would have filled stay zero.
func (s *SystemSource) Collect(ctx context.Context) (Resources, error) {
	var (
		res  Resources
		errs []error
	)

	// CPU
	pct, err := cpu.PercentWithContext(ctx, s.CPUWindow, false)
	if err == nil && len(pct) > 0 {
		res.CPU = pct[0]
	} else if err != nil {
		errs = append(errs, err)
	}

	// Memory
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		res.Memory = vm.UsedPercent
	} else {
		errs = append(errs, err)
	}

	// Disk
	du, err := disk.UsageWithContext(ctx, s.DiskPath)
	if err == nil {
		res.Disk = du.UsedPercent
	} else {
		errs = append(errs, err)
	}

	// Network I/O
	io, err := net.IOCountersWithContext(ctx, false)
	if err == nil && len(io) > 0 {
		res.NetSent = io[0].BytesSent
		res.NetRecv = io[0].BytesRecv
	} else if err != nil {
		errs = append(errs, err)
	}

	conns, err := net.ConnectionsWithContext(ctx, "all")
	if err == nil {
		res.Connections = len(conns)
	} else {
		errs = append(errs, err)
	}

	return res, errors.Join(errs...)
}
