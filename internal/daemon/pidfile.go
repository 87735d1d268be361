package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const pidFilename = "llmgate.pid"

// ErrAlreadyRunning is returned by AcquirePID when a live process holds the
// PID file.
var ErrAlreadyRunning = errors.New("llmgate is already running")

// AcquirePID creates dataDir/llmgate.pid holding the current process ID.
// The file is created exclusively; a file left behind by a dead process is
// replaced. The returned release removes the file.
func AcquirePID(dataDir string) (release func() error, err error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory for PID file: %w", err)
	}
	path := pidPath(dataDir)

	for range 2 {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			cerr := f.Close()
			if werr = errors.Join(werr, cerr); werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("writing PID file %s: %w", path, werr)
			}
			return func() error { return RemovePID(dataDir) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("creating PID file %s: %w", path, err)
		}

		pid, rerr := ReadPID(dataDir)
		if rerr == nil && isProcessAlive(pid) {
			return nil, fmt.Errorf("%w (PID %d, file %s)", ErrAlreadyRunning, pid, path)
		}
		if err := RemovePID(dataDir); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("creating PID file %s: lost race with another process", path)
}

// ReadPID reads the PID from dataDir/llmgate.pid.
func ReadPID(dataDir string) (int, error) {
	path := pidPath(dataDir)

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file %s: %w", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePID removes the PID file from dataDir.
func RemovePID(dataDir string) error {
	path := pidPath(dataDir)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing PID file %s: %w", path, err)
	}
	return nil
}

// IsRunning reports whether the PID file names a live process.
func IsRunning(dataDir string) bool {
	pid, err := ReadPID(dataDir)
	if err != nil {
		return false
	}
	return isProcessAlive(pid)
}

// isProcessAlive sends signal 0, which checks for existence only.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, pidFilename)
}
