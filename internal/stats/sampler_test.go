// SPDX-License-Identifier: MIT

package stats

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeDeltas(t *testing.T) {
	prevTS := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	now := prevTS.Add(10 * time.Second)

	info := compose(
		CPUShot{Total: 100, Idle: 80},
		CPUShot{Total: 200, Idle: 130}, // 50 of 100 ticks idle
		NetShot{BytesRecv: 1000, BytesSent: 500},
		NetShot{BytesRecv: 11000, BytesSent: 2500},
		prevTS, now,
		MemoryShot{Total: 4096, Free: 1024},
		HddShot{Total: 8192, Free: 2048},
		SysinfoShot{Uptime: 3600, Loads: [3]float64{0.5, 0.25, 0.1}},
		2,
	)

	assert.InDelta(t, 0.5, info.CPU, 1e-9)
	assert.Equal(t, uint64(1000), info.BandwidthIn, "10000 bytes over 10 seconds")
	assert.Equal(t, uint64(200), info.BandwidthOut)
	assert.Equal(t, uint64(11000), info.NetTotalBytesRecv)
	assert.Equal(t, uint64(2500), info.NetTotalBytesSend)
	assert.Equal(t, uint64(4096), info.MemoryTotal)
	assert.Equal(t, uint64(2048), info.HddFree)
	assert.Equal(t, uint64(3600), info.UptimeSeconds)
	assert.Equal(t, "0.50 0.25 0.10", info.LoadAverage)
	assert.Equal(t, now.UnixMilli(), info.Timestamp)
	assert.Equal(t, 2, info.OnlineUsers.Daemon)
}

func TestComposeElapsedFloor(t *testing.T) {
	ts := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	// Same timestamp: elapsed must be treated as one second, not zero.
	info := compose(CPUShot{}, CPUShot{},
		NetShot{}, NetShot{BytesRecv: 300, BytesSent: 100},
		ts, ts,
		MemoryShot{}, HddShot{}, SysinfoShot{}, 0)

	assert.Equal(t, uint64(300), info.BandwidthIn)
	assert.Equal(t, uint64(100), info.BandwidthOut)
}

func TestComposeNoCPUDelta(t *testing.T) {
	ts := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	info := compose(CPUShot{Total: 100, Idle: 50}, CPUShot{Total: 100, Idle: 50},
		NetShot{}, NetShot{}, ts, ts.Add(time.Second),
		MemoryShot{}, HddShot{}, SysinfoShot{}, 0)

	assert.Zero(t, info.CPU)
}

func TestComposeClampNegativeLoad(t *testing.T) {
	ts := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	// Idle advancing faster than total (counter skew) must not report a
	// negative load.
	info := compose(CPUShot{Total: 100, Idle: 10}, CPUShot{Total: 110, Idle: 30},
		NetShot{}, NetShot{}, ts, ts.Add(time.Second),
		MemoryShot{}, HddShot{}, SysinfoShot{}, 0)

	assert.GreaterOrEqual(t, info.CPU, 0.0)
}

func TestServerInfoJSONShape(t *testing.T) {
	ts := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	info := compose(CPUShot{}, CPUShot{}, NetShot{}, NetShot{},
		ts, ts.Add(time.Second), MemoryShot{}, HddShot{}, SysinfoShot{}, 1)

	b, err := json.Marshal(info)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(b, &fields))
	for _, key := range []string{
		"cpu", "uptime", "memory_total", "memory_free", "hdd_total", "hdd_free",
		"bandwidth_in", "bandwidth_out", "uptime_seconds", "timestamp",
		"net_total_bytes_recv", "net_total_bytes_send", "online_users",
	} {
		assert.Contains(t, fields, key)
	}
	online, ok := fields["online_users"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, online["daemon"])
}

func TestFullServiceInfoJSONShape(t *testing.T) {
	s := NewSampler()
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	full := s.FullServiceInfo(1, expiry)
	assert.Equal(t, expiry.UnixMilli(), full.ExpirationTime)
	assert.Equal(t, "epgd", full.Project)

	b, err := json.Marshal(full)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(b, &fields))
	for _, key := range []string{"expiration_time", "project", "version", "os", "cpu", "timestamp"} {
		assert.Contains(t, fields, key)
	}
}

func TestSamplerAdvancesState(t *testing.T) {
	s := NewSampler()
	first := s.ServerInfo(0)
	second := s.ServerInfo(0)

	assert.GreaterOrEqual(t, second.Timestamp, first.Timestamp)
	// Totals are cumulative counters and never move backwards.
	assert.GreaterOrEqual(t, second.NetTotalBytesRecv, first.NetTotalBytesRecv)
	assert.GreaterOrEqual(t, second.NetTotalBytesSend, first.NetTotalBytesSend)
}
