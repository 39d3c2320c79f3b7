package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a Run.
type RunState string

const (
	RunQueued     RunState = "queued"
	RunBuilding   RunState = "building"
	RunPushing    RunState = "pushing"
	RunDeploying  RunState = "deploying"
	RunSucceeded  RunState = "succeeded"
	RunFailed     RunState = "failed"
	RunRolledBack RunState = "rolled_back"
	RunCancelled  RunState = "cancelled"
)

// ActiveStates are the states in which a Run occupies its target.
var ActiveStates = []RunState{RunBuilding, RunPushing, RunDeploying}

// PendingStates are the states a new trigger coalesces into.
var PendingStates = []RunState{RunQueued, RunBuilding, RunPushing, RunDeploying}

// TerminalStates never transition again.
var TerminalStates = []RunState{RunSucceeded, RunFailed, RunRolledBack, RunCancelled}

var runTransitions = map[RunState][]RunState{
	RunQueued:    {RunBuilding, RunCancelled, RunFailed},
	RunBuilding:  {RunPushing, RunFailed},
	RunPushing:   {RunDeploying, RunFailed},
	RunDeploying: {RunSucceeded, RunFailed, RunRolledBack},
}

// Terminal reports whether s is final.
func (s RunState) Terminal() bool {
	for _, t := range TerminalStates {
		if s == t {
			return true
		}
	}
	return false
}

// Active reports whether a Run in state s is executing stages.
func (s RunState) Active() bool {
	for _, a := range ActiveStates {
		if s == a {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to RunState) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run is one end-to-end attempt to deploy one artifact to one target.
type Run struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Target    string    `gorm:"type:varchar(128);index;not null" json:"target"`
	Ref       string    `gorm:"type:varchar(255);not null" json:"ref"`
	LatestRef string    `gorm:"type:varchar(255)" json:"latest_ref,omitempty"`
	Coalesced int       `gorm:"not null;default:0" json:"coalesced"`
	State     RunState  `gorm:"type:varchar(32);index;not null" json:"state"`

	Stages   []StageRecord `gorm:"type:text;serializer:json" json:"stages"`
	Artifact Artifact      `gorm:"embedded;embeddedPrefix:artifact_" json:"artifact"`

	// Snapshot of the target's container taken when the run leaves Queued.
	PreviousContainerID string `gorm:"type:varchar(128)" json:"previous_container_id,omitempty"`
	PreviousImage       string `gorm:"type:varchar(512)" json:"previous_image,omitempty"`
	ContainerID         string `gorm:"type:varchar(128)" json:"container_id,omitempty"`

	ManualIntervention bool   `gorm:"not null;default:false" json:"manual_intervention"`
	FailureKind        string `gorm:"type:varchar(64)" json:"failure_kind,omitempty"`
	FailureStage       string `gorm:"type:varchar(32)" json:"failure_stage,omitempty"`
	FailureMessage     string `gorm:"type:text" json:"failure_message,omitempty"`

	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `gorm:"index" json:"finished_at,omitempty"`
}

// NewRun returns a Queued run with every stage Pending.
func NewRun(target, ref string, now time.Time) Run {
	stages := make([]StageRecord, 0, len(StageOrder))
	for _, name := range StageOrder {
		stages = append(stages, StageRecord{Name: name, Status: StagePending})
	}
	return Run{
		ID:        uuid.New(),
		Target:    target,
		Ref:       ref,
		LatestRef: ref,
		State:     RunQueued,
		Stages:    stages,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the run to the next state, rejecting backwards or skipped moves.
func (r *Run) Transition(to RunState, now time.Time) error {
	if !CanTransition(r.State, to) {
		return fmt.Errorf("illegal run transition %s -> %s", r.State, to)
	}
	r.State = to
	r.UpdatedAt = now
	if to == RunBuilding {
		r.StartedAt = &now
	}
	if to.Terminal() {
		r.FinishedAt = &now
	}
	return nil
}

// Stage returns the record for name, or nil if the run does not track it.
func (r *Run) Stage(name StageName) *StageRecord {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// BeginStage marks name Running. Every earlier stage must already be settled,
// and a stage that failed may only re-enter through a further attempt.
func (r *Run) BeginStage(name StageName, now time.Time) (*StageRecord, error) {
	idx := StageIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("unknown stage %q", name)
	}
	for _, prior := range StageOrder[:idx] {
		st := r.Stage(prior)
		if st == nil || !st.Status.Settled() {
			return nil, fmt.Errorf("stage %s started before %s settled", name, prior)
		}
	}
	st := r.Stage(name)
	if st == nil {
		return nil, fmt.Errorf("run does not track stage %q", name)
	}
	switch st.Status {
	case StagePending, StageFailed:
	default:
		return nil, fmt.Errorf("stage %s cannot restart from %s", name, st.Status)
	}
	st.Status = StageRunning
	st.Attempts++
	st.StartedAt = &now
	st.FinishedAt = nil
	st.FailureKind = ""
	st.Error = ""
	r.UpdatedAt = now
	return st, nil
}

// SkipStage marks a pending stage Skipped.
func (r *Run) SkipStage(name StageName, now time.Time) error {
	st := r.Stage(name)
	if st == nil || st.Status != StagePending {
		return fmt.Errorf("stage %s cannot be skipped", name)
	}
	st.Status = StageSkipped
	st.FinishedAt = &now
	r.UpdatedAt = now
	return nil
}

// Fail records the terminal failure on the run.
func (r *Run) Fail(stage StageName, kind, message string) {
	r.FailureStage = string(stage)
	r.FailureKind = kind
	r.FailureMessage = message
}
