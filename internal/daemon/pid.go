package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// PIDManager handles PID file operations for daemon lifecycle management
type PIDManager struct {
	pidFile string
}

// NewPIDManager creates a new PID manager instance
func NewPIDManager(pidFile string) *PIDManager {
	return &PIDManager{pidFile: pidFile}
}

// WritePID writes the current process PID to the PID file
func (pm *PIDManager) WritePID() error {
	dir := filepath.Dir(pm.pidFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create PID directory %s: %w", dir, err)
	}

	if pm.IsRunning() {
		existingPID, _ := pm.ReadPID()
		return fmt.Errorf("daemon already running with PID %d", existingPID)
	}

	content := fmt.Sprintf("%d\n", os.Getpid())

	// Write atomically by creating temp file and renaming
	tempFile := pm.pidFile + ".tmp"
	if err := os.WriteFile(tempFile, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write temporary PID file: %w", err)
	}
	if err := os.Rename(tempFile, pm.pidFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename PID file: %w", err)
	}

	return nil
}

// ReadPID reads the PID from the PID file
func (pm *PIDManager) ReadPID() (int, error) {
	content, err := os.ReadFile(pm.pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("PID file does not exist")
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pidStr := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file: %s", pidStr)
	}

	return pid, nil
}

// IsRunning checks if the daemon process is currently running
func (pm *PIDManager) IsRunning() bool {
	pid, err := pm.ReadPID()
	if err != nil {
		return false
	}
	return pm.IsProcessRunning(pid)
}

// IsProcessRunning checks if a process with the given PID is running
func (pm *PIDManager) IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 checks existence without sending anything
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}

	if errno, ok := err.(syscall.Errno); ok {
		switch errno {
		case syscall.ESRCH:
			return false
		case syscall.EPERM:
			// Exists but owned by someone else
			return true
		}
	}

	return false
}

// RemovePID removes the PID file
func (pm *PIDManager) RemovePID() error {
	err := os.Remove(pm.pidFile)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// KillDaemon gracefully stops the daemon process, escalating to SIGKILL if
// it does not exit within the grace period.
func (pm *PIDManager) KillDaemon() error {
	pid, err := pm.ReadPID()
	if err != nil {
		return fmt.Errorf("failed to read PID: %w", err)
	}

	if !pm.IsProcessRunning(pid) {
		return pm.RemovePID()
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		if err := process.Signal(syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to kill process %d: %w", pid, err)
		}
	}

	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			process.Signal(syscall.SIGKILL)
			time.Sleep(time.Second)
			return pm.RemovePID()
		case <-ticker.C:
			if !pm.IsProcessRunning(pid) {
				return pm.RemovePID()
			}
		}
	}
}

// GetPIDFile returns the path to the PID file
func (pm *PIDManager) GetPIDFile() string {
	return pm.pidFile
}

// PIDStatus contains status information about the daemon process
type PIDStatus struct {
	PIDFile string        `json:"pid_file"`
	PID     int           `json:"pid"`
	Running bool          `json:"running"`
	Uptime  time.Duration `json:"uptime,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// GetStatus returns status information about the daemon
func (pm *PIDManager) GetStatus() (*PIDStatus, error) {
	status := &PIDStatus{PIDFile: pm.pidFile}

	if _, err := os.Stat(pm.pidFile); err != nil {
		if os.IsNotExist(err) {
			status.Error = "PID file does not exist"
			return status, nil
		}
		status.Error = fmt.Sprintf("Cannot access PID file: %v", err)
		return status, nil
	}

	pid, err := pm.ReadPID()
	if err != nil {
		status.Error = fmt.Sprintf("Cannot read PID: %v", err)
		return status, nil
	}

	status.PID = pid
	status.Running = pm.IsProcessRunning(pid)
	if !status.Running {
		status.Error = "Process not running (stale PID file)"
		return status, nil
	}

	if stat, err := os.Stat(pm.pidFile); err == nil {
		status.Uptime = time.Since(stat.ModTime())
	}

	return status, nil
}

// ValidatePIDFile removes an invalid or stale PID file
func (pm *PIDManager) ValidatePIDFile() error {
	if _, err := os.Stat(pm.pidFile); os.IsNotExist(err) {
		return nil
	}

	pid, err := pm.ReadPID()
	if err != nil {
		pm.RemovePID()
		return fmt.Errorf("removed invalid PID file: %w", err)
	}

	if !pm.IsProcessRunning(pid) {
		pm.RemovePID()
		return fmt.Errorf("removed stale PID file for process %d", pid)
	}

	return nil
}
