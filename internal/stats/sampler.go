// SPDX-License-Identifier: MIT

package stats

import (
	"fmt"
	"time"

	"github.com/epgd/epgd/internal/version"
)

// OnlineUsers counts the connected verified control peers.
type OnlineUsers struct {
	Daemon int `json:"daemon"`
}

// ServerInfo is the statistics payload broadcast every tick.
type ServerInfo struct {
	CPU               float64     `json:"cpu"`
	LoadAverage       string      `json:"uptime"` // historical name: three load averages
	MemoryTotal       uint64      `json:"memory_total"`
	MemoryFree        uint64      `json:"memory_free"`
	HddTotal          uint64      `json:"hdd_total"`
	HddFree           uint64      `json:"hdd_free"`
	BandwidthIn       uint64      `json:"bandwidth_in"`
	BandwidthOut      uint64      `json:"bandwidth_out"`
	UptimeSeconds     uint64      `json:"uptime_seconds"`
	Timestamp         int64       `json:"timestamp"`
	NetTotalBytesRecv uint64      `json:"net_total_bytes_recv"`
	NetTotalBytesSend uint64      `json:"net_total_bytes_send"`
	OnlineUsers       OnlineUsers `json:"online_users"`
}

// FullServiceInfo extends ServerInfo for the activate response.
type FullServiceInfo struct {
	ServerInfo
	ExpirationTime int64  `json:"expiration_time"`
	Project        string `json:"project"`
	Version        string `json:"version"`
	OS             OSInfo `json:"os"`
}

// Sampler holds the previous CPU/network shots. It is owned by the daemon
// loop and must only be used from there.
type Sampler struct {
	prevCPU CPUShot
	prevNet NetShot
	prevTS  time.Time
	now     func() time.Time
}

// NewSampler primes the sampler with an initial reading so the first tick
// reports deltas instead of absolute counters.
func NewSampler() *Sampler {
	s := &Sampler{now: time.Now}
	s.prevCPU = TakeCPUShot()
	s.prevNet = TakeNetShot()
	s.prevTS = s.now()
	return s
}

// ServerInfo samples the host, folds in the deltas against the previous call
// and advances the sampler state.
func (s *Sampler) ServerInfo(verifiedPeers int) ServerInfo {
	nextCPU := TakeCPUShot()
	nextNet := TakeNetShot()
	now := s.now()
	info := compose(s.prevCPU, nextCPU, s.prevNet, nextNet, s.prevTS, now,
		TakeMemoryShot(), TakeHddShot(), TakeSysinfoShot(), verifiedPeers)
	s.prevCPU = nextCPU
	s.prevNet = nextNet
	s.prevTS = now
	return info
}

// FullServiceInfo is the activate-time variant with the license expiry and
// OS snapshot attached.
func (s *Sampler) FullServiceInfo(verifiedPeers int, expiry time.Time) FullServiceInfo {
	return FullServiceInfo{
		ServerInfo:     s.ServerInfo(verifiedPeers),
		ExpirationTime: expiry.UnixMilli(),
		Project:        version.Project,
		Version:        version.Version,
		OS:             TakeOSInfo(),
	}
}

// compose is the pure delta computation, split out for tests.
func compose(prevCPU, nextCPU CPUShot, prevNet, nextNet NetShot,
	prevTS, now time.Time, m MemoryShot, h HddShot, sys SysinfoShot,
	verifiedPeers int) ServerInfo {
	cpuLoad := 0.0
	totalDelta := nextCPU.Total - prevCPU.Total
	if totalDelta > 0 {
		cpuLoad = 1 - (nextCPU.Idle-prevCPU.Idle)/totalDelta
		if cpuLoad < 0 {
			cpuLoad = 0
		}
	}

	elapsed := int64(now.Sub(prevTS) / time.Second)
	if elapsed == 0 {
		elapsed = 1 // divide by zero
	}

	return ServerInfo{
		CPU:               cpuLoad,
		LoadAverage:       fmt.Sprintf("%.2f %.2f %.2f", sys.Loads[0], sys.Loads[1], sys.Loads[2]),
		MemoryTotal:       m.Total,
		MemoryFree:        m.Free,
		HddTotal:          h.Total,
		HddFree:           h.Free,
		BandwidthIn:       (nextNet.BytesRecv - prevNet.BytesRecv) / uint64(elapsed), // #nosec G115
		BandwidthOut:      (nextNet.BytesSent - prevNet.BytesSent) / uint64(elapsed), // #nosec G115
		UptimeSeconds:     sys.Uptime,
		Timestamp:         now.UnixMilli(),
		NetTotalBytesRecv: nextNet.BytesRecv,
		NetTotalBytesSend: nextNet.BytesSent,
		OnlineUsers:       OnlineUsers{Daemon: verifiedPeers},
	}
}
