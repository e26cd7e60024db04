package insurance

import (
	"testing"

	"github.com/rs/zerolog"
)

func newFund() *Fund {
	return NewFund(zerolog.Nop(), nil)
}

func TestContributeAndBalance(t *testing.T) {
	f := newFund()
	f.Contribute(10_000_000, "MEME-USDT", "liquidation")
	f.Contribute(5_000_000, "", "funding")
	f.Contribute(-1, "MEME-USDT", "noise") // ignored

	if got := f.Balance("MEME-USDT"); got != 10_000_000 {
		t.Fatalf("instrument balance = %d, want 10000000", got)
	}
	if got := f.Balance(""); got != 5_000_000 {
		t.Fatalf("global balance = %d, want 5000000", got)
	}
	if got := f.TotalBalance(); got != 15_000_000 {
		t.Fatalf("total = %d, want 15000000", got)
	}
}

func TestPayFromPoolCapped(t *testing.T) {
	f := newFund()
	f.Contribute(3_000_000, "MEME-USDT", "liquidation")

	if paid := f.PayFromPool(5_000_000, "MEME-USDT"); paid != 3_000_000 {
		t.Fatalf("paid = %d, want 3000000 (capped at balance)", paid)
	}
	if got := f.Balance("MEME-USDT"); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
	// Empty pool pays nothing.
	if paid := f.PayFromPool(1, "MEME-USDT"); paid != 0 {
		t.Fatalf("paid = %d, want 0", paid)
	}
}

func TestCoverDeficitWaterfall(t *testing.T) {
	f := newFund()
	f.Contribute(3_000_000, "MEME-USDT", "liquidation")
	f.Contribute(4_000_000, "", "fees")

	// Per-instrument pool drains first, then global.
	paid, remaining := f.CoverDeficit(5_000_000, "MEME-USDT")
	if paid != 5_000_000 || remaining != 0 {
		t.Fatalf("paid/remaining = %d/%d, want 5000000/0", paid, remaining)
	}
	if got := f.Balance("MEME-USDT"); got != 0 {
		t.Fatalf("instrument pool = %d, want 0", got)
	}
	if got := f.Balance(""); got != 2_000_000 {
		t.Fatalf("global pool = %d, want 2000000", got)
	}

	// Second deficit exceeds everything left.
	paid, remaining = f.CoverDeficit(9_000_000, "MEME-USDT")
	if paid != 2_000_000 || remaining != 7_000_000 {
		t.Fatalf("paid/remaining = %d/%d, want 2000000/7000000", paid, remaining)
	}
	if got := f.TotalBalance(); got != 0 {
		t.Fatalf("total = %d, want 0", got)
	}
}

func TestStats(t *testing.T) {
	f := newFund()
	f.Contribute(10, "MEME-USDT", "liquidation")
	f.PayFromPool(4, "MEME-USDT")

	contributions, payouts := f.Stats("MEME-USDT")
	if contributions != 10 || payouts != 4 {
		t.Fatalf("stats = %d/%d, want 10/4", contributions, payouts)
	}
}
