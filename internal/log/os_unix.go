//go:build unix

package log

import (
	"log/slog"
	"strings"

	"golang.org/x/sys/unix"
)

func platformAttrs() []any {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return []any{slog.String("uname", err.Error())}
	}
	field := func(b []byte) string {
		return strings.TrimSpace(unix.ByteSliceToString(b))
	}
	return []any{
		slog.String("kernel", field(u.Sysname[:])+" "+field(u.Release[:])),
		slog.String("machine", field(u.Machine[:])),
	}
}
