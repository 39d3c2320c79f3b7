// Package events publishes run state transitions for downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/dockhand/engine/internal/models"
)

// RunEvent is emitted on every run state change.
type RunEvent struct {
	RunID              string          `json:"run_id"`
	Target             string          `json:"target"`
	Ref                string          `json:"ref"`
	From               models.RunState `json:"from"`
	To                 models.RunState `json:"to"`
	ImageRef           string          `json:"image_ref,omitempty"`
	FailureKind        string          `json:"failure_kind,omitempty"`
	FailureStage       string          `json:"failure_stage,omitempty"`
	ManualIntervention bool            `json:"manual_intervention,omitempty"`
	At                 time.Time       `json:"at"`
}

// FromRun fills an event from the run's current state.
func FromRun(run *models.Run, from models.RunState) RunEvent {
	ev := RunEvent{
		RunID:              run.ID.String(),
		Target:             run.Target,
		Ref:                run.Ref,
		From:               from,
		To:                 run.State,
		FailureKind:        run.FailureKind,
		FailureStage:       run.FailureStage,
		ManualIntervention: run.ManualIntervention,
		At:                 run.UpdatedAt,
	}
	if run.Artifact.RepoDigest != "" {
		ev.ImageRef = run.Artifact.PinnedRef()
	}
	return ev
}

type Publisher interface {
	Publish(ctx context.Context, ev RunEvent) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, RunEvent) error { return nil }
func (Nop) Close() error                            { return nil }
