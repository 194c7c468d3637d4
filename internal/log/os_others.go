//go:build !unix

package log

import (
	"log/slog"
	"os"
)

func platformAttrs() []any {
	if v, ok := os.LookupEnv("OS"); ok {
		return []any{slog.String("os_version", v)}
	}
	return nil
}
