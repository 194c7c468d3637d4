package log

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const appName = "ruleflow"

var (
	logDir     string
	logDirOnce sync.Once
)

// GetLogDir returns the directory for log and stats files, creating it on
// first use. RULEFLOW_LOG_DIR overrides the platform default.
func GetLogDir() string {
	logDirOnce.Do(func() {
		logDir = determineLogDir()
		if err := os.MkdirAll(logDir, 0755); err != nil {
			logDir = filepath.Join(os.TempDir(), appName)
			_ = os.MkdirAll(logDir, 0755)
		}
	})
	return logDir
}

func determineLogDir() string {
	if dir := os.Getenv("RULEFLOW_LOG_DIR"); dir != "" {
		return dir
	}
	if runtime.GOOS == "linux" {
		varLogDir := filepath.Join("/var/log", appName)
		if writable(varLogDir) {
			return varLogDir
		}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		userLogDir := filepath.Join(homeDir, "."+appName)
		if err := os.MkdirAll(userLogDir, 0755); err == nil {
			return userLogDir
		}
	}
	return filepath.Join(os.TempDir(), appName)
}

func writable(dir string) bool {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false
	}
	testFile := filepath.Join(dir, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(testFile)
	return true
}

func GetLogFilePath() string {
	return filepath.Join(GetLogDir(), appName+".log")
}

// GetStatsFilePath returns the full path to a stats file.
func GetStatsFilePath(name string) string {
	return filepath.Join(GetLogDir(), name)
}
