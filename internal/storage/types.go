package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Run describes one daemon execution.
type Run struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Policy     string    `json:"policy"`
	Tasks      int       `json:"tasks"`
	Reason     string    `json:"reason,omitempty"`
}

// Record is one journaled timing event. Tick-valued fields are kernel ticks.
type Record struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Seq         uint64    `json:"seq"`
	At          time.Time `json:"at"`
	Type        string    `json:"type"`
	Task        string    `json:"task,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Tick        uint64    `json:"tick"`
	LastWake    uint64    `json:"last_wake,omitempty"`
	AbsDeadline uint64    `json:"abs_deadline,omitempty"`
	ExecTime    uint64    `json:"exec_time,omitempty"`
	NextRelease uint64    `json:"next_release,omitempty"`
	Recoveries  uint64    `json:"recoveries,omitempty"`
}
