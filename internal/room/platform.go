package room

import (
	"runtime"

	"meshsig/internal/wire"
)

// platformFromOS derives the announce platform tag from the runtime OS
// (spec.md §4.6 "Set platform tag from user-agent heuristics"; a Go
// client has no user-agent string, so runtime.GOOS stands in for it).
// Defaults to win, matching spec.md's stated default.
func platformFromOS() wire.Platform {
	switch runtime.GOOS {
	case "darwin":
		return wire.PlatformMac
	case "linux":
		return wire.PlatformLinux
	default:
		return wire.PlatformWin
	}
}
