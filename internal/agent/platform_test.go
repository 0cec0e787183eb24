package agent

import (
	"context"
	"runtime"
	"testing"
)

func TestPlatformInfo_String(t *testing.T) {
	tests := []struct {
		name string
		info PlatformInfo
		want string
	}{
		{
			name: "with distribution",
			info: PlatformInfo{OS: "linux", Arch: "amd64", Platform: "ubuntu", PlatformVersion: "22.04"},
			want: "linux/amd64 (ubuntu 22.04)",
		},
		{
			name: "runtime only",
			info: PlatformInfo{OS: "darwin", Arch: "arm64"},
			want: "darwin/arm64",
		},
		{
			name: "platform without version",
			info: PlatformInfo{OS: "linux", Arch: "arm64", Platform: "alpine"},
			want: "linux/arm64 (alpine)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectPlatform(t *testing.T) {
	info := DetectPlatform(context.Background())
	if info.OS == "" {
		t.Error("OS is empty")
	}
	if info.Arch != runtime.GOARCH {
		t.Errorf("Arch = %q, want %q", info.Arch, runtime.GOARCH)
	}
}
