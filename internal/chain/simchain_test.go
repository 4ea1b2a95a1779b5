package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslock/internal/escrow"
	"github.com/crosslock-exchange/crosslock/internal/secret"
	"github.com/crosslock-exchange/crosslock/internal/timelock"
)

var (
	simMaker = common.HexToAddress("0x1111111111111111111111111111111111111111")
	simTaker = common.HexToAddress("0x2222222222222222222222222222222222222222")
	simToken = common.HexToAddress("0x3333333333333333333333333333333333333333")

	simDeltas = timelock.Deltas{
		Finality:           1 * time.Minute,
		Withdrawal:         2 * time.Minute,
		PublicWithdrawal:   10 * time.Minute,
		Cancellation:       30 * time.Minute,
		PublicCancellation: 45 * time.Minute,
		Rescue:             24 * time.Hour,
	}
)

type simFixture struct {
	chain    *SimChain
	clock    *ManualClock
	imm      escrow.Immutables
	preimage []byte
}

func newSimFixture(t *testing.T) *simFixture {
	t.Helper()

	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	c := NewSimChain("simtest", clock)

	preimage, hashlock, err := secret.Generate()
	if err != nil {
		t.Fatalf("secret.Generate() error = %v", err)
	}

	tl, err := timelock.Build(timelock.SideSource, clock.Now(), simDeltas)
	if err != nil {
		t.Fatalf("timelock.Build() error = %v", err)
	}

	imm := escrow.Immutables{
		OrderHash:     common.HexToHash("0xaa"),
		Hashlock:      hashlock,
		Maker:         simMaker,
		Taker:         simTaker,
		Token:         simToken,
		Amount:        big.NewInt(1_000_000),
		SafetyDeposit: big.NewInt(5_000),
		Timelocks:     tl,
	}

	c.Fund(simMaker, simToken, imm.Amount)
	c.Fund(simTaker, escrow.NativeToken, imm.SafetyDeposit)

	return &simFixture{chain: c, clock: clock, imm: imm, preimage: preimage[:]}
}

// collect reads n events from the stream or fails the test.
func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestCreateEscrowEmitsEvent(t *testing.T) {
	f := newSimFixture(t)
	ctx := context.Background()

	id, err := f.chain.CreateEscrow(ctx, f.imm, simTaker)
	if err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}
	if id != f.imm.ContractID() {
		t.Errorf("CreateEscrow() id = %s, want content address %s", id.Hex(), f.imm.ContractID().Hex())
	}

	ch, err := f.chain.Events(ctx, 1)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	evs := collect(t, ch, 1)
	if evs[0].Seq != 1 {
		t.Errorf("first event Seq = %d, want 1", evs[0].Seq)
	}
	if evs[0].Type != EventCreated {
		t.Errorf("first event Type = %q, want %q", evs[0].Type, EventCreated)
	}
	if evs[0].ContractID != id {
		t.Errorf("first event ContractID = %s, want %s", evs[0].ContractID.Hex(), id.Hex())
	}
}

func TestWithdrawEventCarriesSecret(t *testing.T) {
	f := newSimFixture(t)
	ctx := context.Background()

	id, err := f.chain.CreateEscrow(ctx, f.imm, simTaker)
	if err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	f.clock.Advance(3 * time.Minute)
	if err := f.chain.Withdraw(ctx, id, f.preimage, simTaker); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}

	ch, err := f.chain.Events(ctx, 2)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	evs := collect(t, ch, 1)
	if evs[0].Type != EventWithdrawn {
		t.Fatalf("event Type = %q, want %q", evs[0].Type, EventWithdrawn)
	}
	if !bytes.Equal(evs[0].Secret, f.preimage) {
		t.Errorf("withdrawn event Secret = %x, want revealed preimage %x", evs[0].Secret, f.preimage)
	}

	// The published secret is a copy, not an alias of the caller's buffer.
	f.preimage[0] ^= 0xff
	if bytes.Equal(evs[0].Secret, f.preimage) {
		t.Error("withdrawn event Secret aliases the caller's preimage buffer")
	}
}

func TestCancelEmitsEvent(t *testing.T) {
	f := newSimFixture(t)
	ctx := context.Background()

	id, err := f.chain.CreateEscrow(ctx, f.imm, simTaker)
	if err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	f.clock.Advance(31 * time.Minute)
	if err := f.chain.Cancel(ctx, id, simMaker); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	ch, err := f.chain.Events(ctx, 2)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	evs := collect(t, ch, 1)
	if evs[0].Type != EventCancelled {
		t.Errorf("event Type = %q, want %q", evs[0].Type, EventCancelled)
	}
	if evs[0].Secret != nil {
		t.Errorf("cancelled event Secret = %x, want nil", evs[0].Secret)
	}
}

func TestEventsResumeFromOffset(t *testing.T) {
	f := newSimFixture(t)
	ctx := context.Background()

	id, err := f.chain.CreateEscrow(ctx, f.imm, simTaker)
	if err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}
	f.clock.Advance(3 * time.Minute)
	if err := f.chain.Withdraw(ctx, id, f.preimage, simTaker); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}

	// A subscriber that already processed seq 1 resumes at 2 and must not
	// see the create again.
	ch, err := f.chain.Events(ctx, 2)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	evs := collect(t, ch, 1)
	if evs[0].Seq != 2 || evs[0].Type != EventWithdrawn {
		t.Errorf("resumed event = (seq %d, %q), want (seq 2, %q)", evs[0].Seq, evs[0].Type, EventWithdrawn)
	}
}

func TestEventsFollowLiveAppends(t *testing.T) {
	f := newSimFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := f.chain.Events(ctx, 1)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}

	id, err := f.chain.CreateEscrow(ctx, f.imm, simTaker)
	if err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	evs := collect(t, ch, 1)
	if evs[0].Type != EventCreated || evs[0].ContractID != id {
		t.Errorf("live event = (%q, %s), want (%q, %s)", evs[0].Type, evs[0].ContractID.Hex(), EventCreated, id.Hex())
	}
}

func TestEventsChannelClosesOnCancel(t *testing.T) {
	f := newSimFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := f.chain.Events(ctx, 1)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after context cancellation, got event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel did not close after context cancellation")
	}
}

func TestFailNextInjectsRPCErrors(t *testing.T) {
	f := newSimFixture(t)
	ctx := context.Background()

	f.chain.FailNext("create", 2)
	for i := 0; i < 2; i++ {
		if _, err := f.chain.CreateEscrow(ctx, f.imm, simTaker); !errors.Is(err, ErrRPC) {
			t.Fatalf("CreateEscrow() attempt %d error = %v, want ErrRPC", i+1, err)
		}
	}

	// Faults are consumed; the next call goes through.
	id, err := f.chain.CreateEscrow(ctx, f.imm, simTaker)
	if err != nil {
		t.Fatalf("CreateEscrow() after faults error = %v", err)
	}

	f.chain.FailNext("get_state", 1)
	if _, err := f.chain.GetState(ctx, id); !errors.Is(err, ErrRPC) {
		t.Fatalf("GetState() error = %v, want ErrRPC", err)
	}
	if _, err := f.chain.GetState(ctx, id); err != nil {
		t.Fatalf("GetState() after fault error = %v", err)
	}
}

func TestGetState(t *testing.T) {
	f := newSimFixture(t)
	ctx := context.Background()

	id, err := f.chain.CreateEscrow(ctx, f.imm, simTaker)
	if err != nil {
		t.Fatalf("CreateEscrow() error = %v", err)
	}

	st, err := f.chain.GetState(ctx, id)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if st.State != escrow.StateActive {
		t.Errorf("GetState() state = %q, want %q", st.State, escrow.StateActive)
	}
	if !st.Timelocks.Cancellation.Equal(f.imm.Timelocks.Cancellation) {
		t.Errorf("GetState() cancellation = %v, want %v", st.Timelocks.Cancellation, f.imm.Timelocks.Cancellation)
	}

	if _, err := f.chain.GetState(ctx, common.HexToHash("0xdead")); !errors.Is(err, escrow.ErrNotFound) {
		t.Errorf("GetState(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestCancelledContextMapsToRPCError(t *testing.T) {
	f := newSimFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.chain.CreateEscrow(ctx, f.imm, simTaker); !errors.Is(err, ErrRPC) {
		t.Errorf("CreateEscrow() with cancelled ctx error = %v, want ErrRPC", err)
	}
	if _, err := f.chain.Now(ctx); !errors.Is(err, ErrRPC) {
		t.Errorf("Now() with cancelled ctx error = %v, want ErrRPC", err)
	}
}

func TestNowFollowsManualClock(t *testing.T) {
	f := newSimFixture(t)
	ctx := context.Background()

	before, err := f.chain.Now(ctx)
	if err != nil {
		t.Fatalf("Now() error = %v", err)
	}
	f.clock.Advance(time.Hour)
	after, err := f.chain.Now(ctx)
	if err != nil {
		t.Fatalf("Now() error = %v", err)
	}
	if got := after.Sub(before); got != time.Hour {
		t.Errorf("Now() advanced by %v, want %v", got, time.Hour)
	}
}
