package converter

import (
	"context"
	"testing"

	sdkmath "cosmossdk.io/math"

	"github.com/dripnet/dripd/internal/treasury"
)

func TestIdentity_SameAsset(t *testing.T) {
	out, err := Identity{}.Convert(context.Background(), "acct", sdkmath.NewInt(42), "uatom", "uatom")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Equal(sdkmath.NewInt(42)) {
		t.Errorf("expected 42, got %s", out)
	}
}

func TestIdentity_DifferentAssetsRejected(t *testing.T) {
	if _, err := (Identity{}).Convert(context.Background(), "acct", sdkmath.NewInt(42), "uatom", "uusdc"); err == nil {
		t.Error("expected error converting across assets")
	}
}

func TestFixedRate_MovesBalances(t *testing.T) {
	book := treasury.NewBook()
	if err := book.Credit("escrow", "uatom", sdkmath.NewInt(100)); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	f := NewFixedRate(book)
	f.SetRate("uatom", "uusdc", 12, 10)

	out, err := f.Convert(context.Background(), "escrow", sdkmath.NewInt(100), "uatom", "uusdc")
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if !out.Equal(sdkmath.NewInt(120)) {
		t.Errorf("expected 120, got %s", out)
	}
	if got := book.Balance("escrow", "uatom"); !got.IsZero() {
		t.Errorf("input not debited, escrow still holds %s uatom", got)
	}
	if got := book.Balance("escrow", "uusdc"); !got.Equal(sdkmath.NewInt(120)) {
		t.Errorf("output not credited, escrow holds %s uusdc", got)
	}
}

func TestFixedRate_TruncatesTowardZero(t *testing.T) {
	book := treasury.NewBook()
	if err := book.Credit("escrow", "uatom", sdkmath.NewInt(7)); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	f := NewFixedRate(book)
	f.SetRate("uatom", "uusdc", 1, 2)

	out, err := f.Convert(context.Background(), "escrow", sdkmath.NewInt(7), "uatom", "uusdc")
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if !out.Equal(sdkmath.NewInt(3)) {
		t.Errorf("expected 3, got %s", out)
	}
}

func TestFixedRate_UnknownPair(t *testing.T) {
	f := NewFixedRate(treasury.NewBook())
	if _, err := f.Convert(context.Background(), "escrow", sdkmath.NewInt(1), "uatom", "uusdc"); err == nil {
		t.Error("expected error for unconfigured pair")
	}
}

func TestFixedRate_InsufficientEscrow(t *testing.T) {
	book := treasury.NewBook()
	f := NewFixedRate(book)
	f.SetRate("uatom", "uusdc", 1, 1)
	if _, err := f.Convert(context.Background(), "escrow", sdkmath.NewInt(10), "uatom", "uusdc"); err == nil {
		t.Error("expected error when the account cannot cover the input")
	}
}
