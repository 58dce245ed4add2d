//go:build !windows

package process

import "time"

const trackInterval = 250 * time.Millisecond

// The process group holds a running service; tracking only has to catch
// children that leave it during startup.
const trackWhileRunning = false
