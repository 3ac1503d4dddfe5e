package ledger_test

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/ledger"
)

func newLedger() *ledger.Ledger {
	return ledger.New(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func capOf(n float64) ledger.CapFunc {
	return func(string, string) (decimal.Decimal, bool) { return decimal.NewFromFloat(n), true }
}

func TestReserveSettleRelease(t *testing.T) {
	l := newLedger()

	err := l.Reserve("a1", []ledger.Delta{
		ledger.NewDelta(0, "b", "X", 3),
		ledger.NewDelta(1, "a", "X", -3),
	}, capOf(10))
	require.NoError(t, err)
	assert.True(t, l.Position("b", "X").Reserved.Equal(decimal.NewFromInt(3)))

	err = l.Settle("a1", []ledger.Fill{
		ledger.NewFill(0, "b", "X", 3, 100),
		ledger.NewFill(1, "a", "X", -2, 100.6),
	})
	require.NoError(t, err)

	b := l.Position("b", "X")
	a := l.Position("a", "X")
	assert.True(t, b.Quantity.Equal(decimal.NewFromInt(3)))
	assert.True(t, b.Reserved.IsZero())
	assert.True(t, a.Quantity.Equal(decimal.NewFromInt(-2)))
	assert.True(t, a.Reserved.IsZero())
	assert.Equal(t, 0, l.Outstanding())

	// A settled attempt cannot be released again.
	assert.ErrorIs(t, l.Release("a1"), domain.ErrLedgerInconsistency)
}

func TestReserveIsAllOrNothing(t *testing.T) {
	l := newLedger()
	caps := func(venue, _ string) (decimal.Decimal, bool) {
		if venue == "tight" {
			return decimal.NewFromInt(1), true
		}
		return decimal.Zero, false
	}

	err := l.Reserve("a1", []ledger.Delta{
		ledger.NewDelta(0, "loose", "X", 50),
		ledger.NewDelta(1, "tight", "X", -2),
	}, caps)
	require.ErrorIs(t, err, domain.ErrExposureLimit)

	assert.True(t, l.Position("loose", "X").Reserved.IsZero())
	assert.True(t, l.Position("tight", "X").Reserved.IsZero())
	assert.Equal(t, 0, l.Outstanding())

	// The attempt id is free again after a failed reservation.
	require.NoError(t, l.Reserve("a1", []ledger.Delta{ledger.NewDelta(0, "loose", "X", 1)}, caps))
}

func TestInconsistentSettleLeavesLedgerUntouched(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.Reserve("a1", []ledger.Delta{ledger.NewDelta(0, "v", "X", 2)}, capOf(10)))
	before := l.Snapshot().Positions

	tests := []struct {
		name  string
		fills []ledger.Fill
	}{
		{"unknown leg", []ledger.Fill{ledger.NewFill(5, "v", "X", 1, 1)}},
		{"over fill", []ledger.Fill{ledger.NewFill(0, "v", "X", 3, 1)}},
		{"wrong sign", []ledger.Fill{ledger.NewFill(0, "v", "X", -1, 1)}},
		{"wrong key", []ledger.Fill{ledger.NewFill(0, "w", "X", 1, 1)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := l.Settle("a1", tc.fills)
			require.ErrorIs(t, err, domain.ErrLedgerInconsistency)
			assert.Equal(t, before[domain.QuoteKey{Venue: "v", Instrument: "X"}], l.Position("v", "X"))
		})
	}

	assert.ErrorIs(t, l.Settle("missing", nil), domain.ErrLedgerInconsistency)
	assert.ErrorIs(t, l.Reserve("a1", []ledger.Delta{ledger.NewDelta(0, "v", "X", 1)}, nil), domain.ErrLedgerInconsistency)
}

func TestConcurrentReservationsNeverExceedCap(t *testing.T) {
	for trial := 0; trial < 20; trial++ {
		l := newLedger()
		const capacity = 10.0
		rng := rand.New(rand.NewSource(int64(trial)))

		var (
			wg       sync.WaitGroup
			reserved atomic.Int64
		)
		for i := 0; i < 16; i++ {
			qty := int64(rng.Intn(6) + 1)
			wg.Add(1)
			go func(i int, qty int64) {
				defer wg.Done()
				err := l.Reserve(fmt.Sprintf("t%d-%d", trial, i),
					[]ledger.Delta{ledger.NewDelta(0, "v", "X", float64(qty))}, capOf(capacity))
				if err == nil {
					reserved.Add(qty)
					return
				}
				assert.ErrorIs(t, err, domain.ErrExposureLimit)
			}(i, qty)
		}
		wg.Wait()

		assert.LessOrEqual(t, reserved.Load(), int64(capacity))
		got := l.Position("v", "X").Reserved
		assert.True(t, got.Equal(decimal.NewFromInt(reserved.Load())), "reserved %s", got)
	}
}

func TestTwoAttemptsCompetingForSameCapital(t *testing.T) {
	l := newLedger()
	start := make(chan struct{})
	var wg sync.WaitGroup
	var ok atomic.Int32
	for _, id := range []string{"first", "second"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			if l.Reserve(id, []ledger.Delta{ledger.NewDelta(0, "v", "X", 6)}, capOf(10)) == nil {
				ok.Add(1)
			}
		}(id)
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
}

func TestSnapshotNeverSeesHalfAppliedAttempt(t *testing.T) {
	l := newLedger()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			id := fmt.Sprintf("a%d", i)
			if err := l.Reserve(id, []ledger.Delta{
				ledger.NewDelta(0, "a", "X", 1),
				ledger.NewDelta(1, "b", "X", -1),
			}, nil); err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if err := l.Settle(id, []ledger.Fill{
				ledger.NewFill(0, "a", "X", 1, 10),
				ledger.NewFill(1, "b", "X", -1, 10),
			}); err != nil {
				t.Errorf("settle: %v", err)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		snap := l.Snapshot()
		net := decimal.Zero
		reserved := decimal.Zero
		for _, p := range snap.Positions {
			net = net.Add(p.Quantity)
			reserved = reserved.Add(p.Reserved)
		}
		require.True(t, net.IsZero(), "net quantity %s", net)
		require.True(t, reserved.IsZero(), "net reserved %s", reserved)
	}
}

func TestApplyAndExposures(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.Apply("a1", []ledger.Fill{ledger.NewFill(0, "v", "X", -2, 9.5)}))
	p := l.Position("v", "X")
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(-2)))
	assert.True(t, p.LastPrice.Equal(decimal.NewFromFloat(9.5)))

	l.RecordExposure(domain.Exposure{AttemptID: "a1", Venue: "v", Instrument: "X", Quantity: -2, Reason: domain.ReasonUnwindFailed})
	exp := l.Exposures()
	require.Len(t, exp, 1)
	assert.False(t, exp[0].RecordedAt.IsZero())
}

func TestOppositeReservationsDoNotOffsetCap(t *testing.T) {
	l := newLedger()

	require.NoError(t, l.Reserve("long", []ledger.Delta{ledger.NewDelta(0, "v", "X", 5)}, capOf(10)))
	require.NoError(t, l.Reserve("short", []ledger.Delta{ledger.NewDelta(0, "v", "X", -5)}, capOf(10)))

	p := l.Position("v", "X")
	assert.True(t, p.Reserved.IsZero())
	assert.True(t, p.ReservedLong.Equal(decimal.NewFromInt(5)))
	assert.True(t, p.ReservedShort.Equal(decimal.NewFromInt(5)))

	// Net reserved is zero, but if "short" fails and "long" fills the
	// position would already be 5, so another 10 would end at 15.
	err := l.Reserve("more", []ledger.Delta{ledger.NewDelta(0, "v", "X", 10)}, capOf(10))
	require.ErrorIs(t, err, domain.ErrExposureLimit)
	require.NoError(t, l.Reserve("some", []ledger.Delta{ledger.NewDelta(0, "v", "X", 5)}, capOf(10)))

	require.NoError(t, l.Release("short"))
	require.NoError(t, l.Settle("long", []ledger.Fill{ledger.NewFill(0, "v", "X", 5, 1)}))
	require.NoError(t, l.Settle("some", []ledger.Fill{ledger.NewFill(0, "v", "X", 5, 1)}))

	p = l.Position("v", "X")
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, p.ReservedLong.IsZero())
	assert.True(t, p.ReservedShort.IsZero())

	// Reducing an at-cap position is always allowed.
	require.NoError(t, l.Reserve("unwind", []ledger.Delta{ledger.NewDelta(0, "v", "X", -4)}, capOf(10)))
}
