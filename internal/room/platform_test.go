package room

import (
	"runtime"
	"testing"

	"meshsig/internal/wire"
)

func TestPlatformFromOSMatchesCurrentRuntime(t *testing.T) {
	want := wire.PlatformWin
	switch runtime.GOOS {
	case "darwin":
		want = wire.PlatformMac
	case "linux":
		want = wire.PlatformLinux
	}
	if got := platformFromOS(); got != want {
		t.Errorf("platformFromOS() = %v, want %v for GOOS=%s", got, want, runtime.GOOS)
	}
}
