//go:build unix

package daemon

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// RaiseFileLimit lifts the soft RLIMIT_NOFILE to the hard limit. Each proxied
// transaction holds two sockets and possibly plugin pipes.
func RaiseFileLimit() (soft, hard uint64, err error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, 0, err
	}
	if lim.Cur >= lim.Max {
		return uint64(lim.Cur), uint64(lim.Max), nil
	}
	raised := lim
	raised.Cur = lim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &raised); err != nil {
		slog.Warn("unix.Setrlimit", slog.Any("error", err))
		return uint64(lim.Cur), uint64(lim.Max), nil
	}
	return uint64(raised.Cur), uint64(raised.Max), nil
}
