//go:build windows

package process

import "time"

// A launcher script often starts the service and exits within a second.
const trackInterval = 100 * time.Millisecond

// Windows has no process group to fall back on, and an orphan's parent pid
// points at a process that no longer exists.
const trackWhileRunning = true
