// Package capability decides whether the runtime environment permits
// real-time media at all. Every device and transport operation checks this
// gate first and fails fast when it denies.
package capability

import (
	"context"

	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

type Gate struct {
	probe core.EnvProbe
}

func New(probe core.EnvProbe) *Gate {
	return &Gate{probe: probe}
}

// Evaluate is pure and re-evaluated on every call: the environment can
// change between calls (an HTTPS redirect, a device unplugged).
func (g *Gate) Evaluate() core.CapabilitySnapshot {
	snap := core.CapabilitySnapshot{
		SecureContext:   g.probe.SecureContext(),
		Localhost:       g.probe.Localhost(),
		HasCaptureAPI:   g.probe.HasCaptureAPI(),
		HasEnumerateAPI: g.probe.HasEnumerateAPI(),
	}

	if !snap.SecureContext && !snap.Localhost {
		snap.Reasons = append(snap.Reasons, "requires a secure connection (https) or localhost")
	}
	if !snap.HasCaptureAPI {
		snap.Reasons = append(snap.Reasons, "media capture is not supported in this environment")
	}
	if !snap.HasEnumerateAPI {
		snap.Reasons = append(snap.Reasons, "device enumeration is not supported in this environment")
	}

	snap.CanUseRealtime = (snap.SecureContext || snap.Localhost) &&
		snap.HasCaptureAPI && snap.HasEnumerateAPI
	return snap
}

func (g *Gate) Require() error {
	snap := g.Evaluate()
	if snap.CanUseRealtime {
		return nil
	}
	return &core.CapabilityError{Reasons: snap.Reasons}
}

// PermissionReport is the result of the graduated permission probe.
type PermissionReport struct {
	CanUseAudio bool     `json:"can_use_audio"`
	CanUseVideo bool     `json:"can_use_video"`
	Reasons     []string `json:"reasons,omitempty"`
}

// ProbePermissions attempts audio-only, then video-only acquisition so a
// missing microphone does not hide a working camera and vice versa. The
// probe handles are released immediately.
func (g *Gate) ProbePermissions(ctx context.Context, capturer core.Capturer) PermissionReport {
	snap := g.Evaluate()
	report := PermissionReport{Reasons: snap.Reasons}
	if !snap.CanUseRealtime {
		return report
	}

	if h, err := capturer.Acquire(ctx, domain.TrackMicrophone); err != nil {
		report.Reasons = append(report.Reasons, "audio permission denied or device unavailable")
	} else {
		report.CanUseAudio = true
		_ = h.Close()
	}

	if h, err := capturer.Acquire(ctx, domain.TrackCamera); err != nil {
		report.Reasons = append(report.Reasons, "video permission denied or device unavailable")
	} else {
		report.CanUseVideo = true
		_ = h.Close()
	}

	return report
}
