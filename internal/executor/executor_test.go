package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/dripnet/dripd/internal/converter"
	"github.com/dripnet/dripd/internal/ledger"
	"github.com/dripnet/dripd/internal/treasury"
	"github.com/dripnet/dripd/internal/types"
)

const (
	testOwner = "owner-1"
	testSink  = "feesink"
)

// convertFunc adapts a function to the converter interface for test doubles.
type convertFunc func(ctx context.Context, account string, input sdkmath.Int, assetIn, assetOut string) (sdkmath.Int, error)

func (f convertFunc) Convert(ctx context.Context, account string, input sdkmath.Int, assetIn, assetOut string) (sdkmath.Int, error) {
	return f(ctx, account, input, assetIn, assetOut)
}

func testKey() types.PoolKey {
	return types.PoolKey{AssetIn: "uatom", AssetOut: "uusdc", Interval: time.Hour}
}

func newHarness(t *testing.T, conv converter.Converter, feeBps uint32) (*Executor, *ledger.Ledger, *treasury.Book) {
	t.Helper()
	book := treasury.NewBook()
	require.NoError(t, book.Credit(testOwner, "uatom", sdkmath.NewInt(1_000_000)))
	l := ledger.New(book)

	exec, err := New(Config{
		Ledger:     l,
		Converter:  conv,
		FeeRateBps: feeBps,
		FeeSink:    testSink,
		Identity:   "test-executor",
	})
	require.NoError(t, err)
	return exec, l, book
}

func TestNew_Validation(t *testing.T) {
	book := treasury.NewBook()
	l := ledger.New(book)
	conv := converter.Identity{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"nil ledger", Config{Converter: conv, FeeSink: testSink}},
		{"nil converter", Config{Ledger: l, FeeSink: testSink}},
		{"empty fee sink", Config{Ledger: l, Converter: conv}},
		{"fee above cap", Config{Ledger: l, Converter: conv, FeeSink: testSink, FeeRateBps: MaxFeeRateBps + 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestRunCycle_FixedRate(t *testing.T) {
	book := treasury.NewBook()
	require.NoError(t, book.Credit(testOwner, "uatom", sdkmath.NewInt(1_000_000)))
	l := ledger.New(book)

	fr := converter.NewFixedRate(book)
	fr.SetRate("uatom", "uusdc", 12, 10)

	exec, err := New(Config{Ledger: l, Converter: fr, FeeRateBps: 0, FeeSink: testSink})
	require.NoError(t, err)

	pos, err := l.Enroll(testKey(), testOwner, sdkmath.NewInt(100), 10, time.Now())
	require.NoError(t, err)

	event, err := exec.RunCycle(context.Background(), testKey())
	require.NoError(t, err)
	require.True(t, event.NetInput.Equal(sdkmath.NewInt(10)))
	require.True(t, event.Output.Equal(sdkmath.NewInt(12)))

	accrued, err := l.AccruedOutput(pos.ID)
	require.NoError(t, err)
	require.True(t, accrued.Equal(sdkmath.NewInt(12)))
}

func TestRunCycle_SameAssetSkipsConverter(t *testing.T) {
	called := false
	conv := convertFunc(func(ctx context.Context, account string, input sdkmath.Int, assetIn, assetOut string) (sdkmath.Int, error) {
		called = true
		return sdkmath.Int{}, errors.New("should not be called")
	})

	exec, l, _ := newHarness(t, conv, 0)
	key := types.PoolKey{AssetIn: "uatom", AssetOut: "uatom", Interval: time.Hour}

	_, err := l.Enroll(key, testOwner, sdkmath.NewInt(100), 10, time.Now())
	require.NoError(t, err)

	event, err := exec.RunCycle(context.Background(), key)
	require.NoError(t, err)
	require.False(t, called, "converter must not run for a same-asset pool")
	require.True(t, event.Output.Equal(event.NetInput))
	require.True(t, event.Rate.Equal(types.RatePrecision))
}

// The executor commits the escrow balance delta, not the converter's claim.
func TestRunCycle_MisreportingConverter(t *testing.T) {
	var book *treasury.Book
	conv := convertFunc(func(ctx context.Context, account string, input sdkmath.Int, assetIn, assetOut string) (sdkmath.Int, error) {
		if err := book.Debit(account, assetIn, input); err != nil {
			return sdkmath.Int{}, err
		}
		if err := book.Credit(account, assetOut, sdkmath.NewInt(11)); err != nil {
			return sdkmath.Int{}, err
		}
		return sdkmath.NewInt(99_999), nil
	})

	exec, l, b := newHarness(t, conv, 0)
	book = b

	_, err := l.Enroll(testKey(), testOwner, sdkmath.NewInt(100), 10, time.Now())
	require.NoError(t, err)

	event, err := exec.RunCycle(context.Background(), testKey())
	require.NoError(t, err)
	require.True(t, event.Output.Equal(sdkmath.NewInt(11)), "got %s", event.Output)
}

// A converter that removes output asset from the escrow yields a negative
// measured delta; the cycle aborts instead of recording a decreasing rate.
func TestRunCycle_DrainingConverterAborts(t *testing.T) {
	var book *treasury.Book
	conv := convertFunc(func(ctx context.Context, account string, input sdkmath.Int, assetIn, assetOut string) (sdkmath.Int, error) {
		if err := book.Debit(account, assetOut, sdkmath.NewInt(5)); err != nil {
			return sdkmath.Int{}, err
		}
		return sdkmath.NewInt(5), nil
	})

	exec, l, b := newHarness(t, conv, 0)
	book = b

	_, err := l.Enroll(testKey(), testOwner, sdkmath.NewInt(100), 10, time.Now())
	require.NoError(t, err)

	pool, err := l.PoolSnapshot(testKey().String())
	require.NoError(t, err)
	// Output already sitting in escrow, accrued but not yet collected.
	require.NoError(t, book.Credit(pool.EscrowAccount(), "uusdc", sdkmath.NewInt(5)))

	_, err = exec.RunCycle(context.Background(), testKey())
	require.Error(t, err)

	pool, err = l.PoolSnapshot(testKey().String())
	require.NoError(t, err)
	require.Equal(t, uint32(0), pool.CyclesCompleted)
	require.False(t, pool.Executing)
	require.Empty(t, pool.CumulativeRates, "no rate may be recorded for the aborted cycle")
}

func TestRunCycle_ConverterFailureUnwinds(t *testing.T) {
	conv := convertFunc(func(ctx context.Context, account string, input sdkmath.Int, assetIn, assetOut string) (sdkmath.Int, error) {
		return sdkmath.Int{}, errors.New("venue unavailable")
	})

	exec, l, book := newHarness(t, conv, MaxFeeRateBps)

	_, err := l.Enroll(testKey(), testOwner, sdkmath.NewInt(100_000), 10, time.Now())
	require.NoError(t, err)

	_, err = exec.RunCycle(context.Background(), testKey())
	require.Error(t, err)

	// Fee unwound, counter untouched, pool retryable.
	require.True(t, book.Balance(testSink, "uatom").IsZero())
	pool, err := l.PoolSnapshot(testKey().String())
	require.NoError(t, err)
	require.Equal(t, uint32(0), pool.CyclesCompleted)
	require.True(t, pool.PendingAmount.Equal(sdkmath.NewInt(10_000)))
	require.False(t, pool.Executing)
}

func TestRunCycle_Preconditions(t *testing.T) {
	exec, l, _ := newHarness(t, converter.Identity{}, 0)
	key := types.PoolKey{AssetIn: "uatom", AssetOut: "uatom", Interval: time.Hour}

	_, err := exec.RunCycle(context.Background(), key)
	require.ErrorIs(t, err, ledger.ErrPoolNotFound)

	_, err = l.Enroll(key, testOwner, sdkmath.NewInt(100), 10, time.Now())
	require.NoError(t, err)

	_, err = exec.RunCycle(context.Background(), key)
	require.NoError(t, err)

	// The interval has not elapsed for the second attempt.
	_, err = exec.RunCycle(context.Background(), key)
	require.ErrorIs(t, err, ledger.ErrTooEarlyToExecute)
}

func TestSweep_RunsEveryDuePool(t *testing.T) {
	book := treasury.NewBook()
	require.NoError(t, book.Credit(testOwner, "uatom", sdkmath.NewInt(1_000_000)))
	require.NoError(t, book.Credit(testOwner, "uosmo", sdkmath.NewInt(1_000_000)))
	l := ledger.New(book)

	fr := converter.NewFixedRate(book)
	fr.SetRate("uatom", "uusdc", 1, 1)
	fr.SetRate("uosmo", "uusdc", 1, 2)

	exec, err := New(Config{Ledger: l, Converter: fr, FeeRateBps: 0, FeeSink: testSink})
	require.NoError(t, err)

	keyA := testKey()
	keyB := types.PoolKey{AssetIn: "uosmo", AssetOut: "uusdc", Interval: time.Hour}
	_, err = l.Enroll(keyA, testOwner, sdkmath.NewInt(100), 10, time.Now())
	require.NoError(t, err)
	_, err = l.Enroll(keyB, testOwner, sdkmath.NewInt(200), 10, time.Now())
	require.NoError(t, err)

	exec.Sweep(context.Background())

	for _, key := range []types.PoolKey{keyA, keyB} {
		pool, err := l.PoolSnapshot(key.String())
		require.NoError(t, err)
		require.Equal(t, uint32(1), pool.CyclesCompleted, "pool %s not executed", key)
	}

	// Nothing is due immediately after the sweep; a second sweep is a no-op.
	exec.Sweep(context.Background())
	pool, err := l.PoolSnapshot(keyA.String())
	require.NoError(t, err)
	require.Equal(t, uint32(1), pool.CyclesCompleted)
}
