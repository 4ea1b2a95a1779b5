// Package timelock defines the authorization schedule of an escrow.
// Relative delays from configuration are resolved into absolute checkpoints
// at escrow creation; every escrow operation is then permitted only inside
// the half-open interval this package computes for it.
package timelock

import (
	"errors"
	"fmt"
	"time"
)

// Timelock errors
var (
	ErrNonMonotonic = errors.New("timelock checkpoints not monotonic")
	ErrBadSide      = errors.New("unknown escrow side")
	ErrBadAction    = errors.New("action not permitted on this side")
)

// Side identifies which leg of a swap an escrow belongs to.
type Side string

const (
	SideSource      Side = "source"
	SideDestination Side = "destination"
)

// Action is an escrow operation gated by a time window.
type Action string

const (
	ActionWithdraw       Action = "withdraw"
	ActionPublicWithdraw Action = "public_withdraw"
	ActionCancel         Action = "cancel"
	ActionPublicCancel   Action = "public_cancel"
)

// Deltas holds the configured delays relative to escrow deployment.
// Source-only stages (Finality, PublicCancellation) are ignored when
// building a destination schedule.
type Deltas struct {
	Finality           time.Duration `yaml:"finality"`
	Withdrawal         time.Duration `yaml:"withdrawal"`
	PublicWithdrawal   time.Duration `yaml:"public_withdrawal"`
	Cancellation       time.Duration `yaml:"cancellation"`
	PublicCancellation time.Duration `yaml:"public_cancellation"`
	Rescue             time.Duration `yaml:"rescue"`
}

// Timelocks is the resolved, absolute schedule of one escrow.
// Zero-valued checkpoints mean the stage does not exist on this side.
type Timelocks struct {
	Side               Side      `json:"side"`
	DeployedAt         time.Time `json:"deployed_at"`
	Finality           time.Time `json:"finality,omitempty"`
	Withdrawal         time.Time `json:"withdrawal"`
	PublicWithdrawal   time.Time `json:"public_withdrawal"`
	Cancellation       time.Time `json:"cancellation"`
	PublicCancellation time.Time `json:"public_cancellation,omitempty"`
	RescueStart        time.Time `json:"rescue_start"`
}

// Build resolves relative deltas into an absolute schedule for the given
// side. The result is rejected if the checkpoints are not ordered:
//
//	source:      deployed < finality <= withdrawal <= publicWithdrawal <= cancellation <= publicCancellation
//	destination: deployed < withdrawal <= publicWithdrawal <= cancellation
func Build(side Side, deployedAt time.Time, d Deltas) (Timelocks, error) {
	tl := Timelocks{
		Side:             side,
		DeployedAt:       deployedAt,
		Withdrawal:       deployedAt.Add(d.Withdrawal),
		PublicWithdrawal: deployedAt.Add(d.PublicWithdrawal),
		Cancellation:     deployedAt.Add(d.Cancellation),
		RescueStart:      deployedAt.Add(d.Rescue),
	}

	switch side {
	case SideSource:
		tl.Finality = deployedAt.Add(d.Finality)
		tl.PublicCancellation = deployedAt.Add(d.PublicCancellation)
		if !deployedAt.Before(tl.Finality) {
			return Timelocks{}, fmt.Errorf("%w: finality must come after deployment", ErrNonMonotonic)
		}
		if err := checkOrder(tl.Finality, tl.Withdrawal, tl.PublicWithdrawal, tl.Cancellation, tl.PublicCancellation); err != nil {
			return Timelocks{}, err
		}
	case SideDestination:
		if !deployedAt.Before(tl.Withdrawal) {
			return Timelocks{}, fmt.Errorf("%w: withdrawal must come after deployment", ErrNonMonotonic)
		}
		if err := checkOrder(tl.Withdrawal, tl.PublicWithdrawal, tl.Cancellation); err != nil {
			return Timelocks{}, err
		}
	default:
		return Timelocks{}, fmt.Errorf("%w: %q", ErrBadSide, side)
	}

	return tl, nil
}

// checkOrder verifies each checkpoint is >= its predecessor.
func checkOrder(times ...time.Time) error {
	for i := 1; i < len(times); i++ {
		if times[i].Before(times[i-1]) {
			return fmt.Errorf("%w: checkpoint %d precedes checkpoint %d", ErrNonMonotonic, i, i-1)
		}
	}
	return nil
}

// Window is a half-open interval [Start, End). A zero End means the window
// never closes.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.Start) {
		return false
	}
	if w.End.IsZero() {
		return true
	}
	return t.Before(w.End)
}

// WindowFor returns the permitted interval for an action on this schedule.
// Withdrawals close when cancellation opens; cancellations stay open forever.
func (tl Timelocks) WindowFor(action Action) (Window, error) {
	switch action {
	case ActionWithdraw:
		return Window{Start: tl.Withdrawal, End: tl.Cancellation}, nil
	case ActionPublicWithdraw:
		return Window{Start: tl.PublicWithdrawal, End: tl.Cancellation}, nil
	case ActionCancel:
		return Window{Start: tl.Cancellation}, nil
	case ActionPublicCancel:
		if tl.Side != SideSource {
			return Window{}, fmt.Errorf("%w: %s on %s side", ErrBadAction, action, tl.Side)
		}
		return Window{Start: tl.PublicCancellation}, nil
	default:
		return Window{}, fmt.Errorf("%w: %q", ErrBadAction, action)
	}
}

// RescueEligible reports whether the emergency recovery path is open at t.
// Rescue is orthogonal to the escrow state and never closes once open.
func (tl Timelocks) RescueEligible(t time.Time) bool {
	return !t.Before(tl.RescueStart)
}

// Validate re-checks ordering on an already-built schedule. Used when a
// schedule arrives from persistence or from an untrusted caller.
func (tl Timelocks) Validate() error {
	switch tl.Side {
	case SideSource:
		if !tl.DeployedAt.Before(tl.Finality) {
			return fmt.Errorf("%w: finality must come after deployment", ErrNonMonotonic)
		}
		return checkOrder(tl.Finality, tl.Withdrawal, tl.PublicWithdrawal, tl.Cancellation, tl.PublicCancellation)
	case SideDestination:
		if !tl.DeployedAt.Before(tl.Withdrawal) {
			return fmt.Errorf("%w: withdrawal must come after deployment", ErrNonMonotonic)
		}
		return checkOrder(tl.Withdrawal, tl.PublicWithdrawal, tl.Cancellation)
	default:
		return fmt.Errorf("%w: %q", ErrBadSide, tl.Side)
	}
}
