package models

// SessionRequest starts a mirror session for one device
type SessionRequest struct {
	Serial        string `json:"serial"`
	Control       bool   `json:"control,omitempty"`
	PreferForward bool   `json:"prefer_forward,omitempty"`
}

// BatchRequest launches sessions for a fleet of devices
type BatchRequest struct {
	Serials []string `json:"serials"`
}

// PoolSettings adjusts pool admission limits at runtime
type PoolSettings struct {
	Capacity           int `json:"capacity,omitempty"`
	IdleTimeoutSeconds int `json:"idle_timeout_seconds,omitempty"`
}
