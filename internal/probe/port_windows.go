//go:build windows

package probe

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	osProbeTimeout = 2 * time.Second
	createNoWindow = 0x08000000
)

// platformProbe scans netstat's TCP table for a LISTENING socket on port.
func platformProbe(_ string, port int) (osProbeResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), osProbeTimeout)
	defer cancel()
	// #nosec G204 -- fixed binary and arguments
	cmd := exec.CommandContext(ctx, "netstat", "-ano", "-p", "TCP")
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: createNoWindow}
	out, err := cmd.Output()
	if err != nil {
		return probeInconclusive, err
	}
	suffix := ":" + strconv.Itoa(port)
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 4 || !strings.EqualFold(fields[3], "LISTENING") {
			continue
		}
		if strings.HasSuffix(fields[1], suffix) {
			return probeInUse, nil
		}
	}
	return probeInconclusive, nil
}
