package validator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// AcquirePublicIP discovers the machine's public IP by shelling out to the
// curl utility once and installs it as the transparent-detection baseline.
// A missing curl or a bad response degrades detection but is not fatal;
// the error is returned for logging only.
func (v *Validator) AcquirePublicIP(ctx context.Context) error {
	// The baseline is process-wide and set once; later refreshes reuse it.
	if v.PublicIP() != "" {
		return nil
	}

	execCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(execCtx, "curl", "ip.sb").Output()
	if err != nil {
		return fmt.Errorf("run curl ip.sb: %w", err)
	}

	ip := strings.TrimSpace(string(out))
	if ip == "" || !strings.Contains(ip, ".") {
		return fmt.Errorf("curl ip.sb returned no usable address: %q", ip)
	}

	v.SetPublicIP(ip)
	v.log.Info("public ip acquired", "ip", ip)
	return nil
}
