// Package workflow implements a generic status state machine entity: a
// caller-supplied set of statuses, one current status, and an ordered history
// of transitions.
package workflow

import (
	"slices"
	"strings"
	"time"

	"tillhouse/pkg/domain"
	dErrors "tillhouse/pkg/domain-errors"
)

const (
	Kind = "workflow"

	EventInitialized  = "workflow.initialized"
	EventTransitioned = "workflow.transitioned"
)

// Owner identifies the record a workflow belongs to, e.g. a purchase order.
type Owner struct {
	OrgID string `json:"org_id"`
	Type  string `json:"owner_type"`
	ID    string `json:"owner_id"`
}

func (o Owner) Key() domain.Key {
	return domain.OrgKey(Kind, o.OrgID, o.Type, o.ID)
}

// Normalize trims and validates the owner ids.
func (o Owner) Normalize() (Owner, error) {
	var err error
	if o.OrgID, err = domain.RequireID("org_id", o.OrgID); err != nil {
		return Owner{}, err
	}
	if o.Type, err = domain.RequireID("owner_type", o.Type); err != nil {
		return Owner{}, err
	}
	if o.ID, err = domain.RequireID("owner_id", o.ID); err != nil {
		return Owner{}, err
	}
	return o, nil
}

// Transition is one recorded status change.
type Transition struct {
	ID          string    `json:"id"`
	FromStatus  string    `json:"from_status"`
	ToStatus    string    `json:"to_status"`
	PerformedBy string    `json:"performed_by"`
	Reason      string    `json:"reason,omitempty"`
	PerformedAt time.Time `json:"performed_at"`
}

// Workflow is the persisted state. Transitions has exactly Version-1 entries.
type Workflow struct {
	Owner            Owner        `json:"owner"`
	CurrentStatus    string       `json:"current_status"`
	AllowedStatuses  []string     `json:"allowed_statuses"`
	Transitions      []Transition `json:"transitions"`
	InitializedBy    string       `json:"initialized_by,omitempty"`
	InitializedAt    time.Time    `json:"initialized_at"`
	LastTransitionAt *time.Time   `json:"last_transition_at,omitempty"`
}

func (w *Workflow) initialized() bool {
	return w.CurrentStatus != ""
}

func (w *Workflow) allows(status string) bool {
	return slices.Contains(w.AllowedStatuses, status)
}

// CanTransitionTo reports whether Transition(status) would be accepted. It
// never fails; an uninitialized workflow simply allows nothing.
func (w *Workflow) CanTransitionTo(status string) bool {
	return w.checkTransition(status) == nil
}

func (w *Workflow) checkTransition(status string) error {
	if !w.initialized() {
		return dErrors.New(dErrors.CodePreconditionFailed, "workflow not initialized")
	}
	if status == w.CurrentStatus {
		return dErrors.Newf(dErrors.CodeNoChange, "workflow is already in status %q", status)
	}
	if !w.allows(status) {
		return dErrors.Newf(dErrors.CodePreconditionFailed, "status %q is not in the allowed statuses list", status)
	}
	return nil
}

// InitializeCommand sets the allowed statuses and the starting status.
type InitializeCommand struct {
	AllowedStatuses []string `json:"allowed_statuses"`
	InitialStatus   string   `json:"initial_status"`
	PerformedBy     string   `json:"performed_by"`
}

// Normalize trims statuses and drops duplicates, keeping first-seen order.
func (c *InitializeCommand) Normalize() {
	c.InitialStatus = strings.TrimSpace(c.InitialStatus)
	c.PerformedBy = strings.TrimSpace(c.PerformedBy)
	seen := make(map[string]bool, len(c.AllowedStatuses))
	out := make([]string, 0, len(c.AllowedStatuses))
	for _, s := range c.AllowedStatuses {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	c.AllowedStatuses = out
}

func (c InitializeCommand) Validate() error {
	if len(c.AllowedStatuses) < 2 {
		return dErrors.New(dErrors.CodeValidation, "at least two allowed statuses are required")
	}
	if c.InitialStatus == "" {
		return dErrors.New(dErrors.CodeValidation, "initial status is required")
	}
	if !slices.Contains(c.AllowedStatuses, c.InitialStatus) {
		return dErrors.Newf(dErrors.CodeValidation, "initial status %q is not in the allowed statuses list", c.InitialStatus)
	}
	return nil
}

// TransitionCommand moves the workflow to a new status.
type TransitionCommand struct {
	ToStatus    string `json:"to_status"`
	PerformedBy string `json:"performed_by"`
	Reason      string `json:"reason,omitempty"`
}

func (c *TransitionCommand) Normalize() {
	c.ToStatus = strings.TrimSpace(c.ToStatus)
	c.PerformedBy = strings.TrimSpace(c.PerformedBy)
	c.Reason = strings.TrimSpace(c.Reason)
}

func (c TransitionCommand) Validate() error {
	if c.ToStatus == "" {
		return dErrors.New(dErrors.CodeValidation, "target status is required")
	}
	if c.PerformedBy == "" {
		return dErrors.New(dErrors.CodeValidation, "performed_by is required")
	}
	return nil
}

// Snapshot is a workflow together with its committed version.
type Snapshot struct {
	Workflow
	Version uint64 `json:"version"`
}

// TransitionedEvent is published after every committed transition.
type TransitionedEvent struct {
	Owner      Owner      `json:"owner"`
	Transition Transition `json:"transition"`
}
