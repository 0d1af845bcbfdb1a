package types

// Status represents the runtime state of a service as seen by the gateway.
type Status string

const (
	// Service lifecycle states
	StatusOffline        Status = "offline"     // No process, or the last probe got a non-success response
	StatusStarting       Status = "starting"    // Process launched, not yet confirmed healthy
	StatusOnline         Status = "online"      // Health probe succeeded
	StatusOnlineUpgraded Status = "online (WS)" // Upgradeable service being probed
	StatusError          Status = "error"       // Launch, probe or forward failure
)

// IsRunning reports whether the status belongs to a service whose process is
// expected to be alive.
func (s Status) IsRunning() bool {
	return s == StatusStarting || s == StatusOnline || s == StatusOnlineUpgraded
}

// Kind tells how a service is reached through the gateway.
type Kind string

const (
	KindHTTP        Kind = "http"
	KindUpgradeable Kind = "ws"
)
