package models

import (
	"time"
	"unicode/utf8"
)

// StageName identifies one step of the deployment.
type StageName string

const (
	StageBuild      StageName = "build"
	StagePush       StageName = "push"
	StageRemotePull StageName = "remote_pull"
	StageStopOld    StageName = "stop_old"
	StageStartNew   StageName = "start_new"
)

// StageOrder is the strict execution order of stages within a run.
var StageOrder = []StageName{StageBuild, StagePush, StageRemotePull, StageStopOld, StageStartNew}

// StageIndex returns the position of name in StageOrder, or -1.
func StageIndex(name StageName) int {
	for i, s := range StageOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// StageStatus is the outcome of a single stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Settled reports whether later stages may start after this one.
func (s StageStatus) Settled() bool {
	return s == StageSucceeded || s == StageSkipped
}

// StageRecord is the persisted history of one stage.
type StageRecord struct {
	Name        StageName   `json:"name"`
	Status      StageStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	FailureKind string      `json:"failure_kind,omitempty"`
	Error       string      `json:"error,omitempty"`
	// Output holds captured diagnostics (build log, remote stdout/stderr).
	Output string `json:"output,omitempty"`
	// Applied lists remote commands that completed, so a retry never repeats them.
	Applied []string `json:"applied,omitempty"`
}

// Succeed closes the stage successfully.
func (s *StageRecord) Succeed(now time.Time) {
	s.Status = StageSucceeded
	s.FinishedAt = &now
}

// Failed closes the current attempt with a failure.
func (s *StageRecord) Failed(kind, msg string, now time.Time) {
	s.Status = StageFailed
	s.FailureKind = kind
	s.Error = msg
	s.FinishedAt = &now
}

// MarkApplied records that a remote command completed.
func (s *StageRecord) MarkApplied(command string) {
	if !s.IsApplied(command) {
		s.Applied = append(s.Applied, command)
	}
}

// IsApplied reports whether the command already ran to completion.
func (s *StageRecord) IsApplied(command string) bool {
	for _, c := range s.Applied {
		if c == command {
			return true
		}
	}
	return false
}

// AppendOutput adds diagnostics, keeping the tail when the log grows past max bytes.
func (s *StageRecord) AppendOutput(out string, max int) {
	if out == "" {
		return
	}
	s.Output += out
	if max > 0 && len(s.Output) > max {
		cut := len(s.Output) - max
		for cut < len(s.Output) && !utf8.RuneStart(s.Output[cut]) {
			cut++
		}
		s.Output = s.Output[cut:]
	}
}
