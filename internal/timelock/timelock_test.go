package timelock

import (
	"errors"
	"testing"
	"time"
)

var testDeltas = Deltas{
	Finality:           1 * time.Minute,
	Withdrawal:         2 * time.Minute,
	PublicWithdrawal:   10 * time.Minute,
	Cancellation:       30 * time.Minute,
	PublicCancellation: 45 * time.Minute,
	Rescue:             24 * time.Hour,
}

func TestBuildSource(t *testing.T) {
	deployed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tl, err := Build(SideSource, deployed, testDeltas)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if tl.Side != SideSource {
		t.Errorf("Side = %v, want %v", tl.Side, SideSource)
	}
	if !tl.Finality.Equal(deployed.Add(1 * time.Minute)) {
		t.Errorf("Finality = %v, want deployed+1m", tl.Finality)
	}
	if !tl.PublicCancellation.Equal(deployed.Add(45 * time.Minute)) {
		t.Errorf("PublicCancellation = %v, want deployed+45m", tl.PublicCancellation)
	}
	if !tl.RescueStart.Equal(deployed.Add(24 * time.Hour)) {
		t.Errorf("RescueStart = %v, want deployed+24h", tl.RescueStart)
	}
}

func TestBuildDestinationIgnoresSourceOnlyStages(t *testing.T) {
	deployed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tl, err := Build(SideDestination, deployed, testDeltas)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if !tl.Finality.IsZero() {
		t.Errorf("Finality = %v, want zero on destination", tl.Finality)
	}
	if !tl.PublicCancellation.IsZero() {
		t.Errorf("PublicCancellation = %v, want zero on destination", tl.PublicCancellation)
	}
}

func TestBuildRejectsNonMonotonic(t *testing.T) {
	deployed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	bad := testDeltas
	bad.Cancellation = 5 * time.Minute // before public withdrawal

	if _, err := Build(SideSource, deployed, bad); !errors.Is(err, ErrNonMonotonic) {
		t.Errorf("Build() error = %v, want ErrNonMonotonic", err)
	}

	zeroFinality := testDeltas
	zeroFinality.Finality = 0
	if _, err := Build(SideSource, deployed, zeroFinality); !errors.Is(err, ErrNonMonotonic) {
		t.Errorf("Build() with zero finality error = %v, want ErrNonMonotonic", err)
	}
}

func TestBuildRejectsUnknownSide(t *testing.T) {
	if _, err := Build("sideways", time.Now(), testDeltas); !errors.Is(err, ErrBadSide) {
		t.Errorf("Build() error = %v, want ErrBadSide", err)
	}
}

func TestWindowContains(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	w := Window{Start: start, End: end}

	if w.Contains(start.Add(-time.Second)) {
		t.Error("Contains before start = true, want false")
	}
	if !w.Contains(start) {
		t.Error("Contains at start = false, want true")
	}
	if w.Contains(end) {
		t.Error("Contains at end = true, want false (half-open)")
	}

	open := Window{Start: start}
	if !open.Contains(start.Add(1000 * time.Hour)) {
		t.Error("open window should never close")
	}
}

func TestWindowFor(t *testing.T) {
	deployed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tl, err := Build(SideSource, deployed, testDeltas)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	w, err := tl.WindowFor(ActionWithdraw)
	if err != nil {
		t.Fatalf("WindowFor(withdraw) error = %v", err)
	}
	if !w.Start.Equal(tl.Withdrawal) || !w.End.Equal(tl.Cancellation) {
		t.Errorf("withdraw window = [%v, %v), want [%v, %v)", w.Start, w.End, tl.Withdrawal, tl.Cancellation)
	}

	w, err = tl.WindowFor(ActionPublicWithdraw)
	if err != nil {
		t.Fatalf("WindowFor(public_withdraw) error = %v", err)
	}
	if !w.Start.Equal(tl.PublicWithdrawal) || !w.End.Equal(tl.Cancellation) {
		t.Errorf("public withdraw window wrong: [%v, %v)", w.Start, w.End)
	}

	w, err = tl.WindowFor(ActionCancel)
	if err != nil {
		t.Fatalf("WindowFor(cancel) error = %v", err)
	}
	if !w.Start.Equal(tl.Cancellation) || !w.End.IsZero() {
		t.Errorf("cancel window = [%v, %v), want open-ended from cancellation", w.Start, w.End)
	}

	w, err = tl.WindowFor(ActionPublicCancel)
	if err != nil {
		t.Fatalf("WindowFor(public_cancel) error = %v", err)
	}
	if !w.Start.Equal(tl.PublicCancellation) {
		t.Errorf("public cancel start = %v, want %v", w.Start, tl.PublicCancellation)
	}
}

func TestPublicCancelDestinationRejected(t *testing.T) {
	deployed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tl, err := Build(SideDestination, deployed, testDeltas)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if _, err := tl.WindowFor(ActionPublicCancel); !errors.Is(err, ErrBadAction) {
		t.Errorf("WindowFor(public_cancel) on destination error = %v, want ErrBadAction", err)
	}
}

func TestRescueEligible(t *testing.T) {
	deployed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tl, err := Build(SideSource, deployed, testDeltas)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if tl.RescueEligible(deployed.Add(23 * time.Hour)) {
		t.Error("RescueEligible before delay = true, want false")
	}
	if !tl.RescueEligible(deployed.Add(24 * time.Hour)) {
		t.Error("RescueEligible at delay = false, want true")
	}
}

func TestValidateRebuilt(t *testing.T) {
	deployed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tl, err := Build(SideSource, deployed, testDeltas)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := tl.Validate(); err != nil {
		t.Errorf("Validate() on built schedule error = %v", err)
	}

	tl.Withdrawal = tl.Cancellation.Add(time.Hour)
	if err := tl.Validate(); !errors.Is(err, ErrNonMonotonic) {
		t.Errorf("Validate() on corrupted schedule error = %v, want ErrNonMonotonic", err)
	}
}
