package cdp

import (
	"errors"
	"math/big"
	"testing"
)

const day = 24 * 60 * 60

func TestAccrueThreePercentOneDay(t *testing.T) {
	debt, _ := new(big.Int).SetString("20000000000000000000", 10)
	pos := NewPosition()
	pos.DebtPrincipal = new(big.Int).Set(debt)
	pos.StabilityFeeBps = 300
	pos.LastAccrual = 1_000

	next, err := Accrue(pos, 1_000+day)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	// 20e18 * 300 * 86400 / (31536000 * 10000) = 1643835616438356.16...
	want, _ := new(big.Int).SetString("20001643835616438356", 10)
	if next.DebtPrincipal.Cmp(want) != 0 {
		t.Fatalf("unexpected accrued debt: got %s want %s", next.DebtPrincipal, want)
	}
	if next.LastAccrual != 1_000+day {
		t.Fatalf("last accrual not advanced: %d", next.LastAccrual)
	}
	if pos.DebtPrincipal.Cmp(debt) != 0 || pos.LastAccrual != 1_000 {
		t.Fatalf("accrue mutated its input")
	}
}

func TestAccrueTruncatesTowardZero(t *testing.T) {
	pos := NewPosition()
	pos.DebtPrincipal = big.NewInt(20)
	pos.StabilityFeeBps = 300

	next, err := Accrue(pos, day)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if next.DebtPrincipal.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("expected sub-unit fee to truncate, got %s", next.DebtPrincipal)
	}
}

func TestAccrueIdempotentAtSameTimestamp(t *testing.T) {
	pos := NewPosition()
	pos.DebtPrincipal = big.NewInt(1_000_000_000)
	pos.StabilityFeeBps = 500
	pos.LastAccrual = 10

	once, err := Accrue(pos, 10+30*day)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	twice, err := Accrue(once, once.LastAccrual)
	if err != nil {
		t.Fatalf("second accrue: %v", err)
	}
	if twice.DebtPrincipal.Cmp(once.DebtPrincipal) != 0 || twice.LastAccrual != once.LastAccrual {
		t.Fatalf("second accrual at same timestamp changed the position")
	}
}

func TestAccrueRejectsClockRegression(t *testing.T) {
	pos := NewPosition()
	pos.LastAccrual = 100
	if _, err := Accrue(pos, 99); !errors.Is(err, ErrClockRegression) {
		t.Fatalf("expected clock regression, got %v", err)
	}
}

func TestAccrueZeroDebtOnlyAdvancesClock(t *testing.T) {
	pos := NewPosition()
	pos.StabilityFeeBps = 10_000
	next, err := Accrue(pos, 365*day)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if next.DebtPrincipal.Sign() != 0 {
		t.Fatalf("zero debt accrued fees: %s", next.DebtPrincipal)
	}
	if next.LastAccrual != 365*day {
		t.Fatalf("unexpected last accrual %d", next.LastAccrual)
	}
}

// Fees fold into the principal on every touch, so splitting an interval adds
// the fee earned on the first fee. The split result may exceed the single
// accrual by at most that second-order term plus truncation.
func TestAccrueAdditiveAcrossGranularity(t *testing.T) {
	cases := []struct {
		debt   string
		feeBps uint64
		t1, t2 uint64
	}{
		{"1000000", 300, 3_600, 7_200},
		{"20000000000000000000", 300, day, 2 * day},
		{"123456789", 1_250, 17, 400_000},
		{"999999999999999999999999", 10_000, 1, SecondsPerYear},
	}
	for _, tc := range cases {
		debt, _ := new(big.Int).SetString(tc.debt, 10)
		pos := NewPosition()
		pos.DebtPrincipal = debt
		pos.StabilityFeeBps = tc.feeBps

		single, err := Accrue(pos, tc.t2)
		if err != nil {
			t.Fatalf("single accrue: %v", err)
		}
		mid, err := Accrue(pos, tc.t1)
		if err != nil {
			t.Fatalf("first half: %v", err)
		}
		split, err := Accrue(mid, tc.t2)
		if err != nil {
			t.Fatalf("second half: %v", err)
		}

		diff := new(big.Int).Sub(split.DebtPrincipal, single.DebtPrincipal)
		// debt * r1 * r2 with r = feeBps * dt / (year * 10000)
		year := new(big.Int).SetUint64(SecondsPerYear * basisPoints)
		bound := new(big.Int).Mul(debt, new(big.Int).SetUint64(tc.feeBps*tc.t1))
		bound.Mul(bound, new(big.Int).SetUint64(tc.feeBps*(tc.t2-tc.t1)))
		bound.Quo(bound, year)
		bound.Quo(bound, year)
		bound.Add(bound, big.NewInt(2))
		if diff.Cmp(big.NewInt(-2)) < 0 || diff.Cmp(bound) > 0 {
			t.Fatalf("debt %s: split %s vs single %s outside tolerance %s", tc.debt, split.DebtPrincipal, single.DebtPrincipal, bound)
		}
	}
}

func TestAccruedFeeLargeDebtFallsBack(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 300)
	fee := AccruedFee(huge, 10_000, SecondsPerYear)
	if fee.Cmp(huge) != 0 {
		t.Fatalf("full-year 100%% fee on huge debt should equal the debt, got %s", fee)
	}

	debt := new(big.Int).Lsh(big.NewInt(1), 200)
	viaUint := AccruedFee(debt, 300, day)
	want := new(big.Int).Mul(debt, big.NewInt(300*day))
	want.Quo(want, big.NewInt(SecondsPerYear*basisPoints))
	if viaUint.Cmp(want) != 0 {
		t.Fatalf("uint256 path mismatch: got %s want %s", viaUint, want)
	}
}
