// Package guard implements the abuse-protection core of vaultgate:
// per-client connection and download tracking with adaptive blocking,
// slow-transfer termination and background expiry of stale state.
//
// All tracker state is in-memory and owned by an explicitly constructed
// Service; nothing here persists across restarts.
package guard

import (
	"math"
	"time"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is the recommended client backoff when not allowed,
	// derived from the remaining block time.
	RetryAfter time.Duration
}

var allow = Decision{Allowed: true}

func deny(remaining time.Duration) Decision {
	if remaining < 0 {
		remaining = 0
	}
	return Decision{RetryAfter: remaining}
}

// RetryAfterSeconds rounds the retry hint up to whole seconds for the
// Retry-After header and JSON error bodies.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// TimeoutKind identifies which watchdog fired for OnTimeout bookkeeping.
type TimeoutKind string

const (
	TimeoutRequest    TimeoutKind = "request"
	TimeoutResponse   TimeoutKind = "response"
	TimeoutConnection TimeoutKind = "connection"
	TimeoutDownload   TimeoutKind = "download"
)

// BlockEvent describes a client being blocked by either guard. Events
// are delivered to the Service block hook outside of any entry lock.
type BlockEvent struct {
	Time          time.Time `json:"time"`
	Guard         string    `json:"guard"` // "connection" or "download"
	Client        string    `json:"client"`
	Reason        string    `json:"reason"`
	RetryAfterSec int       `json:"retry_after_sec"`
	Connections   int       `json:"connections,omitempty"`
	Downloads     int       `json:"downloads,omitempty"`
	RequestCount  int64     `json:"request_count,omitempty"`
	TimeoutCount  int64     `json:"timeout_count,omitempty"`
	TransferRate  float64   `json:"transfer_rate,omitempty"`
}

// Block reasons reported in events and metrics labels.
const (
	ReasonHardCap        = "hard_cap"
	ReasonTimeoutRatio   = "timeout_ratio"
	ReasonTimeoutPenalty = "timeout_penalty"
	ReasonDownloadCap    = "download_cap"
	ReasonSlowTransfer   = "slow_transfer"
)

// Stats is an aggregate snapshot across both guards, exposed to the
// health and stats endpoints.
type Stats struct {
	ActiveConnections      int   `json:"active_connections"`
	ActiveClients          int   `json:"active_clients"`
	TrackedClients         int   `json:"tracked_clients"`
	BlockedClients         int   `json:"blocked_clients"`
	ActiveDownloads        int   `json:"active_downloads"`
	ActiveDownloadClients  int   `json:"active_download_clients"`
	TrackedDownloadClients int   `json:"tracked_download_clients"`
	BlockedDownloadClients int   `json:"blocked_download_clients"`
	SlowDownloads          int64 `json:"slow_downloads"`
}
