package farming

import (
	"errors"
	"math/big"
	"testing"
)

func TestMultiplierBonusRegions(t *testing.T) {
	sched := Schedule{StartBlock: 0, BonusEndBlock: 100, BonusMultiplier: 10}

	cases := []struct {
		name     string
		from, to uint64
		want     int64
	}{
		{"straddles boundary", 90, 110, 110},
		{"fully inside bonus", 0, 50, 500},
		{"fully after bonus", 150, 200, 50},
		{"empty range", 70, 70, 0},
		{"ends exactly at boundary", 95, 100, 50},
		{"starts exactly at boundary", 100, 120, 20},
	}
	for _, tc := range cases {
		got, err := sched.Multiplier(tc.from, tc.to)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Fatalf("%s: got %s want %d", tc.name, got, tc.want)
		}
	}
}

func TestMultiplierRejectsReversedRange(t *testing.T) {
	sched := Schedule{BonusEndBlock: 100, BonusMultiplier: 10}
	if _, err := sched.Multiplier(50, 40); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestMultiplierClampsPreStartBlocks(t *testing.T) {
	sched := Schedule{StartBlock: 40, BonusEndBlock: 100, BonusMultiplier: 2}
	got, err := sched.Multiplier(0, 50)
	if err != nil {
		t.Fatalf("multiplier: %v", err)
	}
	// Only blocks 40..50 count, doubled by the bonus.
	if got.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("got %s want 20", got)
	}
}

func TestMultiplierZeroBonusTreatedAsOne(t *testing.T) {
	sched := Schedule{BonusEndBlock: 100}
	got, err := sched.Multiplier(10, 30)
	if err != nil {
		t.Fatalf("multiplier: %v", err)
	}
	if got.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("got %s want 20", got)
	}
}
