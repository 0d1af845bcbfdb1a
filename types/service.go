package types

// Service is a snapshot of one discovered service unit.
type Service struct {
	Name            string `json:"name"`              // Unique key, the unit file name without extension
	Entry           string `json:"entry"`             // Unit file name inside the services directory, e.g. "auth.js"
	Port            int    `json:"port"`              // Port assigned at discovery
	BaseURL         string `json:"base_url"`          // Scheme, host and port of the running unit
	ProxyPathPrefix string `json:"proxy_path_prefix"` // "/" + Name
	Kind            Kind   `json:"kind"`
	Status          Status `json:"status"`
	PID             int    `json:"pid,omitempty"` // 0 when no process handle is held
	Probing         bool   `json:"probing"`       // True while a health probe handle is held
}
