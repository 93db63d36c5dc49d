package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type FarmMetrics struct {
	opsTotal        *prometheus.CounterVec
	opFailures      *prometheus.CounterVec
	rewardsPaid     prometheus.Counter
	poolsSettled    prometheus.Counter
	totalStaked     *prometheus.GaugeVec
	ledgerHeight    prometheus.Gauge
	flashLoansTotal *prometheus.CounterVec
	flashFeesTotal  prometheus.Counter
}

var (
	farmOnce     sync.Once
	farmRegistry *FarmMetrics
)

func Farm() *FarmMetrics {
	farmOnce.Do(func() {
		farmRegistry = &FarmMetrics{
			opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "farm_operations_total",
				Help: "Count of committed ledger operations by kind.",
			}, []string{"op"}),
			opFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "farm_operation_failures_total",
				Help: "Count of rejected ledger operations by kind.",
			}, []string{"op"}),
			rewardsPaid: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "farm_rewards_paid_total",
				Help: "Cumulative reward units paid out to stakers.",
			}),
			poolsSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "farm_pools_settled_total",
				Help: "Count of pool settlement passes.",
			}),
			totalStaked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "farm_pool_total_staked",
				Help: "Staked units currently held per pool.",
			}, []string{"pool"}),
			ledgerHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "farm_ledger_height",
				Help: "Current ledger height counter.",
			}),
			flashLoansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "flash_loans_total",
				Help: "Count of flash loan attempts by outcome.",
			}, []string{"outcome"}),
			flashFeesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "flash_fees_collected_total",
				Help: "Cumulative flash loan fee units collected.",
			}),
		}
		prometheus.MustRegister(
			farmRegistry.opsTotal,
			farmRegistry.opFailures,
			farmRegistry.rewardsPaid,
			farmRegistry.poolsSettled,
			farmRegistry.totalStaked,
			farmRegistry.ledgerHeight,
			farmRegistry.flashLoansTotal,
			farmRegistry.flashFeesTotal,
		)
	})
	return farmRegistry
}

func (m *FarmMetrics) ObserveOp(op string, err error) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	if err != nil {
		m.opFailures.WithLabelValues(op).Inc()
		return
	}
	m.opsTotal.WithLabelValues(op).Inc()
}

func (m *FarmMetrics) ObserveRewardPaid(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.rewardsPaid.Add(amount)
}

func (m *FarmMetrics) ObservePoolSettled() {
	if m == nil {
		return
	}
	m.poolsSettled.Inc()
}

func (m *FarmMetrics) SetTotalStaked(poolID uint64, amount float64) {
	if m == nil {
		return
	}
	m.totalStaked.WithLabelValues(strconv.FormatUint(poolID, 10)).Set(amount)
}

func (m *FarmMetrics) SetLedgerHeight(height uint64) {
	if m == nil {
		return
	}
	m.ledgerHeight.Set(float64(height))
}

func (m *FarmMetrics) ObserveFlashLoan(outcome string, fee float64) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.flashLoansTotal.WithLabelValues(outcome).Inc()
	if fee > 0 {
		m.flashFeesTotal.Add(fee)
	}
}
