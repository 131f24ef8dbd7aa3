// Package env derives the capability gate's environment answers from the
// server configuration and the capture stack compiled into the binary.
package env

import (
	"net"
	"net/url"
	"strings"

	"github.com/keary/presence/internal/core"
)

// HostProbe answers the gate's questions from the signaling endpoint the
// process is configured against plus capture support detected at startup.
type HostProbe struct {
	secure     bool
	localhost  bool
	capture    bool
	enumerates bool
}

var _ core.EnvProbe = (*HostProbe)(nil)

// NewHostProbe inspects the signaling URL once. captureSupported comes from
// the capture adapter (platform-gated); an unparsable URL yields a probe
// that denies everything.
func NewHostProbe(signalURL string, captureSupported bool) *HostProbe {
	p := &HostProbe{capture: captureSupported, enumerates: captureSupported}

	u, err := url.Parse(signalURL)
	if err != nil || u.Host == "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "wss", "https":
		p.secure = true
	}
	p.localhost = isLocalHost(u.Hostname())
	return p
}

func (p *HostProbe) SecureContext() bool   { return p.secure }
func (p *HostProbe) Localhost() bool       { return p.localhost }
func (p *HostProbe) HasCaptureAPI() bool   { return p.capture }
func (p *HostProbe) HasEnumerateAPI() bool { return p.enumerates }

func isLocalHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
