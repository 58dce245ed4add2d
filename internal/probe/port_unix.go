//go:build !windows

package probe

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const osProbeTimeout = 2 * time.Second

// platformProbe asks lsof for TCP listeners on port. A missing tool or an
// error exit is inconclusive.
func platformProbe(_ string, port int) (osProbeResult, error) {
	path, err := exec.LookPath("lsof")
	if err != nil {
		return probeInconclusive, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), osProbeTimeout)
	defer cancel()
	// #nosec G204 -- fixed binary, numeric port
	out, err := exec.CommandContext(ctx, path, "-nP", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN", "-t").Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(strings.TrimSpace(string(out))) == 0 {
			// lsof exits 1 when nothing matched; that alone does not prove the port is free.
			return probeInconclusive, nil
		}
		return probeInconclusive, err
	}
	if len(strings.TrimSpace(string(out))) > 0 {
		return probeInUse, nil
	}
	return probeInconclusive, nil
}
