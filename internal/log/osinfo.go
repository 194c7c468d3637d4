package log

import (
	"log/slog"
	"os"
	"runtime"
)

// GetOSInfo describes the host for the startup banner.
func GetOSInfo() []any {
	attrs := []any{
		slog.String("GOOS", runtime.GOOS),
		slog.String("GOARCH", runtime.GOARCH),
		slog.String("Go Version", runtime.Version()),
		slog.Int("CPUs", runtime.NumCPU()),
	}
	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, slog.String("hostname", hostname))
	}
	return append(attrs, platformAttrs()...)
}
