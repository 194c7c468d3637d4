// Package daemon prepares the process for long-running proxy duty.
package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const oomScoreAdjFile = "/proc/self/oom_score_adj"

// Setup raises the open-file limit and, on OpenWrt, shields the proxy from
// the OOM killer. Failures are logged; only a broken limit query is returned.
func Setup() error {
	soft, hard, err := RaiseFileLimit()
	if err != nil {
		return fmt.Errorf("RaiseFileLimit: %w", err)
	}
	slog.Debug("open file limit", slog.Uint64("soft", soft), slog.Uint64("hard", hard))

	if IsOpenWrt() {
		if err := SetOOMScoreAdj(-900); err != nil {
			slog.Warn("SetOOMScoreAdj", slog.Any("error", err))
		}
	}
	return nil
}

func IsOpenWrt() bool {
	if _, err := os.Stat("/etc/openwrt_release"); err == nil {
		return true
	}
	data, err := os.ReadFile("/etc/os-release")
	return err == nil && strings.Contains(string(data), "OpenWrt")
}

func SetOOMScoreAdj(score int) error {
	return os.WriteFile(oomScoreAdjFile, []byte(strconv.Itoa(score)), 0o644)
}
