package log

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

var broadcaster = NewBroadcaster()

// Logs returns the broadcaster every log line is copied to.
func Logs() *Broadcaster {
	return broadcaster
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func SetLogConf(level string) {
	fileWriter := &lumberjack.Logger{
		Filename:   GetLogFilePath(),
		MaxSize:    5, // megabytes
		MaxBackups: 5,
		MaxAge:     7, // days
		LocalTime:  true,
		Compress:   true,
	}
	slog.SetDefault(NewLogger(io.MultiWriter(os.Stdout, fileWriter, broadcaster), ParseLevel(level)))
}

// NewLogger builds the text logger used across ruleflow.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	loc := LoadLocalLocation()
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().In(loc)
				return slog.String(slog.TimeKey, t.Format("2006-01-02 15:04:05"))
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func LogHeader(version string, cfg *config.Config) {
	slog.Info("ruleflow started", "version", version, "", cfg)
	slog.Info("system", GetOSInfo()...)
}

func reqAttrs(req *common.Request, attrs []any) []any {
	return append([]any{slog.String("id", req.ID), slog.String("url", req.FullURL)}, attrs...)
}

func LogDebugWithReq(req *common.Request, msg string, attrs ...any) {
	slog.Debug(msg, reqAttrs(req, attrs)...)
}

func LogInfoWithReq(req *common.Request, msg string, attrs ...any) {
	slog.Info(msg, reqAttrs(req, attrs)...)
}

func LogWarnWithReq(req *common.Request, msg string, attrs ...any) {
	slog.Warn(msg, reqAttrs(req, attrs)...)
}

func LogErrorWithReq(req *common.Request, msg string, attrs ...any) {
	slog.Error(msg, reqAttrs(req, attrs)...)
}

func LogDebugWithAddr(src string, dest string, msg string) {
	slog.Debug(msg, slog.String("src", src), slog.String("dest", dest))
}

func LogInfoWithAddr(src string, dest string, msg string) {
	slog.Info(msg, slog.String("src", src), slog.String("dest", dest))
}

func LogWarnWithAddr(src string, dest string, msg string) {
	slog.Warn(msg, slog.String("src", src), slog.String("dest", dest))
}

// LoadLocalLocation prefers the system zone database and falls back to the
// POSIX TZ string OpenWrt keeps in /etc/TZ.
func LoadLocalLocation() *time.Location {
	if _, err := os.Stat("/etc/localtime"); err == nil {
		if loc, _ := time.LoadLocation("Local"); loc != nil {
			return loc
		}
	}
	if data, err := os.ReadFile("/etc/TZ"); err == nil {
		if loc := posixZone(strings.TrimSpace(string(data))); loc != nil {
			return loc
		}
	}
	return time.UTC
}

// posixZone reads the standard-time part of a POSIX TZ value such as "CST-8"
// or "IST-5:30". POSIX offsets are west of UTC, so the sign flips.
func posixZone(tz string) *time.Location {
	i := 0
	for i < len(tz) && (tz[i] >= 'A' && tz[i] <= 'Z' || tz[i] >= 'a' && tz[i] <= 'z') {
		i++
	}
	if i < 3 || i == len(tz) {
		return nil
	}
	name, rest := tz[:i], tz[i:]
	sign := -1
	switch rest[0] {
	case '-':
		sign, rest = 1, rest[1:]
	case '+':
		rest = rest[1:]
	}
	end := strings.IndexFunc(rest, func(r rune) bool { return (r < '0' || r > '9') && r != ':' })
	if end >= 0 {
		rest = rest[:end]
	}
	hh, mm, _ := strings.Cut(rest, ":")
	h, err := strconv.Atoi(hh)
	if err != nil || h > 24 {
		return nil
	}
	m := 0
	if mm != "" {
		if m, err = strconv.Atoi(mm); err != nil || m > 59 {
			return nil
		}
	}
	return time.FixedZone(name, sign*(h*3600+m*60))
}
