// Package campaign owns the campaign lifecycle: which status transitions are
// legal and whether a campaign currently accepts submissions.
package campaign

import (
	"errors"
	"fmt"
	"time"

	"applybox/internal/model"
)

var (
	// ErrInvalidTransition is matched by every *InvalidTransitionError
	ErrInvalidTransition = errors.New("invalid campaign status transition")
	// ErrNotAccepting is matched by every *NotAcceptingError
	ErrNotAccepting = errors.New("campaign is not accepting submissions")
	// ErrQuotaReached is the soft quota pre-check failure
	ErrQuotaReached = errors.New("campaign quota reached")
)

// InvalidTransitionError reports the attempted source/target pair
type InvalidTransitionError struct {
	From model.CampaignStatus
	To   model.CampaignStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid campaign status transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// NotAcceptingError carries the campaign status at the time of the check
type NotAcceptingError struct {
	Status model.CampaignStatus
	Reason string
}

func (e *NotAcceptingError) Error() string {
	return fmt.Sprintf("campaign is not accepting submissions (status %s): %s", e.Status, e.Reason)
}

func (e *NotAcceptingError) Is(target error) bool {
	return target == ErrNotAccepting
}

// StateMachine enforces campaign status transitions
type StateMachine struct {
	allowedTransitions map[model.CampaignStatus][]model.CampaignStatus
	now                func() time.Time
}

// NewStateMachine creates a state machine with the fixed transition table
func NewStateMachine() *StateMachine {
	return &StateMachine{
		allowedTransitions: map[model.CampaignStatus][]model.CampaignStatus{
			model.CampaignDraft:  {model.CampaignActive},
			model.CampaignActive: {model.CampaignPaused, model.CampaignClosed},
			model.CampaignPaused: {model.CampaignActive, model.CampaignClosed},
			model.CampaignClosed: {},
		},
		now: time.Now,
	}
}

// WithClock returns a copy of the state machine that reads time from now
func (sm *StateMachine) WithClock(now func() time.Time) *StateMachine {
	return &StateMachine{allowedTransitions: sm.allowedTransitions, now: now}
}

// Now returns the state machine's current time
func (sm *StateMachine) Now() time.Time {
	return sm.now()
}

// CanTransition checks if a status transition is allowed
func (sm *StateMachine) CanTransition(from, to model.CampaignStatus) bool {
	for _, allowed := range sm.allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the statuses reachable from a given status
func (sm *StateMachine) AllowedTargets(from model.CampaignStatus) []model.CampaignStatus {
	allowed := sm.allowedTransitions[from]
	out := make([]model.CampaignStatus, len(allowed))
	copy(out, allowed)
	return out
}

// Transition moves c to target. Only Status and UpdatedAt change.
func (sm *StateMachine) Transition(c *model.Campaign, target model.CampaignStatus) (model.CampaignStatus, error) {
	if !sm.CanTransition(c.Status, target) {
		return c.Status, &InvalidTransitionError{From: c.Status, To: target}
	}
	c.Status = target
	c.UpdatedAt = sm.now().UTC()
	return c.Status, nil
}

// CheckOpen checks status and the date window, ignoring the quota
func (sm *StateMachine) CheckOpen(c *model.Campaign) error {
	if c.Status != model.CampaignActive {
		return &NotAcceptingError{Status: c.Status, Reason: "campaign is not active"}
	}
	now := sm.now()
	if c.StartDate != nil && now.Before(*c.StartDate) {
		return &NotAcceptingError{Status: c.Status, Reason: "campaign has not started yet"}
	}
	if c.EndDate != nil && now.After(*c.EndDate) {
		return &NotAcceptingError{Status: c.Status, Reason: "campaign has ended"}
	}
	return nil
}

// CheckAcceptance is CheckOpen plus the soft quota pre-check. The store's
// insert remains the authoritative quota check.
func (sm *StateMachine) CheckAcceptance(c *model.Campaign) error {
	if err := sm.CheckOpen(c); err != nil {
		return err
	}
	if c.MaxQuota != nil && c.ApplicationCount >= *c.MaxQuota {
		return ErrQuotaReached
	}
	return nil
}

// CanAcceptSubmissions reports whether c accepts submissions right now
func (sm *StateMachine) CanAcceptSubmissions(c *model.Campaign) bool {
	return sm.CheckAcceptance(c) == nil
}
