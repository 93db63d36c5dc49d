package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRewardsPaidAccumulates(t *testing.T) {
	m := Farm()
	before := testutil.ToFloat64(m.rewardsPaid)
	m.ObserveRewardPaid(250)
	m.ObserveRewardPaid(0)
	m.ObserveRewardPaid(-5)
	if got := testutil.ToFloat64(m.rewardsPaid); got != before+250 {
		t.Fatalf("rewards paid = %f, want %f", got, before+250)
	}
}

func TestTotalStakedGaugePerPool(t *testing.T) {
	m := Farm()
	m.SetTotalStaked(3, 500)
	m.SetTotalStaked(3, 450)
	m.SetTotalStaked(7, 42)
	if got := testutil.ToFloat64(m.totalStaked.WithLabelValues("3")); got != 450 {
		t.Fatalf("pool 3 gauge = %f, want 450", got)
	}
	if got := testutil.ToFloat64(m.totalStaked.WithLabelValues("7")); got != 42 {
		t.Fatalf("pool 7 gauge = %f, want 42", got)
	}
}

func TestOpCountersSplitByOutcome(t *testing.T) {
	m := Farm()
	okBefore := testutil.ToFloat64(m.opsTotal.WithLabelValues("deposit"))
	failBefore := testutil.ToFloat64(m.opFailures.WithLabelValues("deposit"))
	m.ObserveOp("deposit", nil)
	m.ObserveOp("deposit", errors.New("rejected"))
	if got := testutil.ToFloat64(m.opsTotal.WithLabelValues("deposit")); got != okBefore+1 {
		t.Fatalf("ops total = %f, want %f", got, okBefore+1)
	}
	if got := testutil.ToFloat64(m.opFailures.WithLabelValues("deposit")); got != failBefore+1 {
		t.Fatalf("op failures = %f, want %f", got, failBefore+1)
	}
}

func TestNilReceiverObservationsAreSafe(t *testing.T) {
	var m *FarmMetrics
	m.ObserveOp("deposit", nil)
	m.ObserveRewardPaid(1)
	m.SetTotalStaked(0, 1)
	m.SetLedgerHeight(1)
	m.ObserveFlashLoan("executed", 1)
	m.ObservePoolSettled()
}
