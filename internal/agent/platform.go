package agent

import (
	"context"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// PlatformInfo describes the machine the agent runs on.
type PlatformInfo struct {
	Hostname        string
	OS              string
	Platform        string
	PlatformVersion string
	Arch            string
}

// String formats the info as sent in the auth message, e.g.
// "linux/amd64 (ubuntu 22.04)".
func (p PlatformInfo) String() string {
	s := p.OS + "/" + p.Arch
	detail := strings.TrimSpace(p.Platform + " " + p.PlatformVersion)
	if detail != "" {
		s += " (" + detail + ")"
	}
	return s
}

// DetectPlatform collects host information. Lookup failures fall back to
// the Go runtime's view of the platform.
func DetectPlatform(ctx context.Context) PlatformInfo {
	info := PlatformInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return info
	}
	info.Hostname = h.Hostname
	if h.OS != "" {
		info.OS = h.OS
	}
	info.Platform = h.Platform
	info.PlatformVersion = h.PlatformVersion
	return info
}
