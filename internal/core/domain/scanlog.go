package domain

import (
	"strings"
	"time"
)

// RunState mirrors the container states reported by the engine.
type RunState string

const (
	RunStateCreated    RunState = "created"
	RunStateRestarting RunState = "restarting"
	RunStateRunning    RunState = "running"
	RunStateRemoving   RunState = "removing"
	RunStatePaused     RunState = "paused"
	RunStateExited     RunState = "exited"
	RunStateDead       RunState = "dead"
)

// ParseRunState maps an engine state string. Unknown states return false.
func ParseRunState(s string) (RunState, bool) {
	switch st := RunState(strings.ToLower(strings.TrimSpace(s))); st {
	case RunStateCreated, RunStateRestarting, RunStateRunning, RunStateRemoving,
		RunStatePaused, RunStateExited, RunStateDead:
		return st, true
	}
	return "", false
}

// Terminal reports whether the container is done and may be removed.
func (s RunState) Terminal() bool {
	return s == RunStateExited
}

// JobRun is one observed container of a scanner.
type JobRun struct {
	ID              uint           `json:"id" gorm:"primaryKey"`
	Name            string         `json:"name" gorm:"size:128;uniqueIndex;not null"`
	JobDefinitionID *uint          `json:"scanner_id" gorm:"column:scanner_id;index"`
	JobDefinition   *JobDefinition `json:"-" gorm:"foreignKey:JobDefinitionID;constraint:OnDelete:SET NULL"`
	TargetHostID    *uint          `json:"rootbox_id" gorm:"column:rootbox_id;index"`
	TargetHost      *TargetHost    `json:"-" gorm:"foreignKey:TargetHostID;constraint:OnDelete:SET NULL"`
	FirstSeen       time.Time      `json:"first_seen" gorm:"autoCreateTime;index"`
	LastSeen        time.Time      `json:"last_seen" gorm:"index"`
	State           RunState       `json:"state" gorm:"size:16;index"`
	ExitCode        *int           `json:"exit_code" gorm:"index"`
}

func (JobRun) TableName() string {
	return "scan_logs"
}

// JobOutputLine is one timestamped line of container output.
type JobOutputLine struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	JobRunID  uint      `json:"log_id" gorm:"column:log_id;not null;index:idx_scan_outputs_log_ts,priority:1"`
	Timestamp time.Time `json:"timestamp" gorm:"not null;index;index:idx_scan_outputs_log_ts,priority:2"`
	Line      string    `json:"line" gorm:"type:text"`
}

func (JobOutputLine) TableName() string {
	return "scan_outputs"
}
