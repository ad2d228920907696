package types

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
)

func TestPoolKey_StringRoundTrip(t *testing.T) {
	keys := []PoolKey{
		{AssetIn: "uatom", AssetOut: "uusdc", Interval: 24 * time.Hour},
		{AssetIn: "uosmo", AssetOut: "uatom", Interval: time.Hour},
		{AssetIn: "wei", AssetOut: "uusdc", Interval: 90 * time.Second},
	}
	for _, key := range keys {
		parsed, err := ParsePoolKey(key.String())
		if err != nil {
			t.Fatalf("parse %q: %v", key.String(), err)
		}
		if parsed != key {
			t.Errorf("round trip %q: got %+v", key.String(), parsed)
		}
	}
}

func TestParsePoolKey_Invalid(t *testing.T) {
	bad := []string{
		"",
		"uatom/uusdc",
		"uatom@1h",
		"uatom/@1h",
		"/uusdc@1h",
		"uatom/uusdc@notaduration",
	}
	for _, s := range bad {
		if _, err := ParsePoolKey(s); err == nil {
			t.Errorf("expected error parsing %q", s)
		}
	}
}

func TestSparseAmounts(t *testing.T) {
	s := make(SparseAmounts)

	if !s.Get(7).IsZero() {
		t.Error("absent index must read as zero")
	}

	s.Add(7, sdkmath.NewInt(3))
	s.Add(7, sdkmath.NewInt(4))
	if got := s.Get(7); !got.Equal(sdkmath.NewInt(7)) {
		t.Errorf("expected aggregated 7, got %s", got)
	}

	s.Sub(7, sdkmath.NewInt(3))
	if got := s.Get(7); !got.Equal(sdkmath.NewInt(4)) {
		t.Errorf("expected 4 after partial removal, got %s", got)
	}

	s.Sub(7, sdkmath.NewInt(4))
	if _, ok := s[7]; ok {
		t.Error("entry reaching zero must be deleted")
	}
}

func TestRateHistory_At(t *testing.T) {
	r := make(RateHistory)

	if !r.At(0).IsZero() {
		t.Error("index 0 must read as zero on an empty history")
	}
	if !r.At(5).IsZero() {
		t.Error("any index must read as zero on an empty history")
	}

	r.Record(1, sdkmath.NewInt(100))
	r.Record(2, sdkmath.NewInt(250))
	r.Record(3, sdkmath.NewInt(250))

	if got := r.At(2); !got.Equal(sdkmath.NewInt(250)) {
		t.Errorf("exact hit: expected 250, got %s", got)
	}
	// An unrecorded index reads as the nearest lower recorded value.
	if got := r.At(9); !got.Equal(sdkmath.NewInt(250)) {
		t.Errorf("nearest lower: expected 250, got %s", got)
	}
	if !r.At(0).IsZero() {
		t.Error("index 0 must still read as zero")
	}
}

func TestPosition_Expiry(t *testing.T) {
	p := Position{FinalCycle: 10}
	if p.Expired(9) {
		t.Error("not expired one cycle before the final index")
	}
	if !p.Expired(10) {
		t.Error("expired exactly at the final index")
	}
	if got := p.CyclesRemaining(4); got != 6 {
		t.Errorf("expected 6 remaining, got %d", got)
	}
	if got := p.CyclesRemaining(12); got != 0 {
		t.Errorf("expected 0 remaining past expiry, got %d", got)
	}
}
