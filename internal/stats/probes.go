// SPDX-License-Identifier: MIT

// Package stats samples the host and renders the node statistics payloads
// broadcast to verified peers.
package stats

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
)

// CPUShot is one reading of the machine-wide CPU time counters.
type CPUShot struct {
	Total float64
	Idle  float64
}

// NetShot is one reading of the machine-wide network byte counters, summed
// over all interfaces.
type NetShot struct {
	BytesRecv uint64
	BytesSent uint64
}

// MemoryShot and HddShot are point-in-time capacity readings.
type MemoryShot struct {
	Total uint64
	Free  uint64
}

type HddShot struct {
	Total uint64
	Free  uint64
}

// SysinfoShot carries uptime and the three load averages.
type SysinfoShot struct {
	Uptime uint64
	Loads  [3]float64
}

// OSInfo is the static OS snapshot attached to the full service info.
type OSInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Arch     string `json:"arch"`
	RAMTotal uint64 `json:"ram_total"`
	RAMFree  uint64 `json:"ram_free"`
}

// TakeCPUShot reads the aggregate CPU counters. Errors degrade to a zero
// shot; the load computation tolerates that.
func TakeCPUShot() CPUShot {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return CPUShot{}
	}
	t := times[0]
	total := t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq +
		t.Softirq + t.Steal + t.Guest + t.GuestNice
	return CPUShot{Total: total, Idle: t.Idle + t.Iowait}
}

// TakeNetShot reads the aggregate network byte counters.
func TakeNetShot() NetShot {
	counters, err := gopsnet.IOCounters(false)
	if err != nil || len(counters) == 0 {
		return NetShot{}
	}
	return NetShot{BytesRecv: counters[0].BytesRecv, BytesSent: counters[0].BytesSent}
}

// TakeMemoryShot reads RAM capacity.
func TakeMemoryShot() MemoryShot {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return MemoryShot{}
	}
	return MemoryShot{Total: vm.Total, Free: vm.Available}
}

// TakeHddShot reads root filesystem capacity.
func TakeHddShot() HddShot {
	usage, err := disk.Usage("/")
	if err != nil {
		return HddShot{}
	}
	return HddShot{Total: usage.Total, Free: usage.Free}
}

// TakeSysinfoShot reads uptime and load averages.
func TakeSysinfoShot() SysinfoShot {
	var shot SysinfoShot
	if up, err := host.Uptime(); err == nil {
		shot.Uptime = up
	}
	if avg, err := load.Avg(); err == nil {
		shot.Loads = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return shot
}

// TakeOSInfo snapshots the operating system identity.
func TakeOSInfo() OSInfo {
	info := OSInfo{Arch: runtime.GOARCH}
	if hi, err := host.Info(); err == nil {
		info.Name = hi.Platform
		info.Version = hi.PlatformVersion
		if hi.KernelArch != "" {
			info.Arch = hi.KernelArch
		}
	}
	m := TakeMemoryShot()
	info.RAMTotal = m.Total
	info.RAMFree = m.Free
	return info
}
