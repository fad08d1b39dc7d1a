package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	pidFileName  = "archiver.pid"
	taskFileName = "current_task.json"
)

// TaskInfo represents the current archiving task status
type TaskInfo struct {
	PID              int       `json:"pid"`
	StartTime        time.Time `json:"start_time"`
	Destination      string    `json:"destination"`
	DryRun           bool      `json:"dry_run,omitempty"`
	Table            string    `json:"table,omitempty"`
	CurrentTask      string    `json:"current_task"`
	CurrentPartition string    `json:"current_partition,omitempty"`
	CurrentStep      string    `json:"current_step,omitempty"`
	Progress         float64   `json:"progress"`
	TotalItems       int       `json:"total_items"`
	CompletedItems   int       `json:"completed_items"`
	ArchivedRows     int64     `json:"archived_rows"`
	LastUpdate       time.Time `json:"last_update"`
}

// StatusFiles manages the PID and task files of a run. They are advisory;
// nothing locks on them.
type StatusFiles struct {
	Dir string
}

// DefaultStatusDir returns $HOME/.sheet-archiver
func DefaultStatusDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".sheet-archiver")
}

// PIDFilePath returns the path to the PID file
func (s StatusFiles) PIDFilePath() string {
	return filepath.Join(s.Dir, pidFileName)
}

// TaskFilePath returns the path to the task info file
func (s StatusFiles) TaskFilePath() string {
	return filepath.Join(s.Dir, taskFileName)
}

// WritePID writes the current process PID to a file
func (s StatusFiles) WritePID() error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(s.PIDFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// RemovePID removes the PID file
func (s StatusFiles) RemovePID() error {
	return os.Remove(s.PIDFilePath())
}

// ReadPID reads the PID from file
func (s StatusFiles) ReadPID() (int, error) {
	data, err := os.ReadFile(s.PIDFilePath())
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 checks for existence without delivering anything
	return process.Signal(syscall.Signal(0)) == nil
}

// WriteTask writes current task information to file
func (s StatusFiles) WriteTask(info *TaskInfo) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	info.LastUpdate = time.Now()
	if info.TotalItems > 0 {
		info.Progress = float64(info.CompletedItems) / float64(info.TotalItems) * 100
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task info: %w", err)
	}

	return os.WriteFile(s.TaskFilePath(), data, 0o600)
}

// ReadTask reads current task information from file
func (s StatusFiles) ReadTask() (*TaskInfo, error) {
	data, err := os.ReadFile(s.TaskFilePath())
	if err != nil {
		return nil, err
	}

	var info TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task info: %w", err)
	}
	return &info, nil
}

// RemoveTask removes the task info file
func (s StatusFiles) RemoveTask() error {
	return os.Remove(s.TaskFilePath())
}
