// SPDX-License-Identifier: MIT

package protocol

// ActivateInfo carries the license key for daemon_activate.
type ActivateInfo struct {
	LicenseKey string `json:"license_key"`
}

// ClientPingInfo is the ping payload in both directions. The timestamp is
// passed through without interpretation.
type ClientPingInfo struct {
	Timestamp int64 `json:"timestamp"`
}

// StopInfo is the daemon_stop_service payload. An empty object is accepted.
type StopInfo struct{}

// PrepareInfo is the daemon_prepare_service payload. The daemon accepts and
// discards it.
type PrepareInfo struct{}

// SyncInfo is the daemon_sync_service payload. Accepted and discarded.
type SyncInfo struct{}

// StateInfo is the empty service state returned by prepare.
type StateInfo struct{}

// RefreshURLInfo names the remote EPG document for daemon_refresh_url.
//
// The wire historically also knew a variant with an extension hint; no
// consumer sends it, so only the url form is understood.
type RefreshURLInfo struct {
	URL string `json:"url"`
}

// GetLogInfo names the HTTP(S) endpoint that receives the daemon's log file.
type GetLogInfo struct {
	Path string `json:"path"`
}
