package core

// EnvProbe answers the four environment questions the capability gate asks.
// Adapters implement it from whatever runtime they sit in.
type EnvProbe interface {
	SecureContext() bool
	Localhost() bool
	HasCaptureAPI() bool
	HasEnumerateAPI() bool
}

// CapabilitySnapshot is the immutable result of one gate evaluation.
// Computed on demand, never cached: the environment can change under us.
type CapabilitySnapshot struct {
	SecureContext   bool     `json:"secure_context"`
	Localhost       bool     `json:"localhost"`
	HasCaptureAPI   bool     `json:"has_capture_api"`
	HasEnumerateAPI bool     `json:"has_enumerate_api"`
	CanUseRealtime  bool     `json:"can_use_realtime"`
	Reasons         []string `json:"reasons,omitempty"`
}

// CapabilityGate is checked before any device or transport operation.
type CapabilityGate interface {
	Evaluate() CapabilitySnapshot
	// Require returns a *CapabilityError when the snapshot denies real-time
	// media, nil otherwise.
	Require() error
}
