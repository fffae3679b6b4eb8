// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"errors"
	"math/big"
	"time"

	"github.com/luxfi/metric"

	utilmetric "github.com/luxfi/leverage/utils/metric"
	"github.com/luxfi/leverage/utils/wrappers"
	"github.com/luxfi/leverage/vms/creditvm/pool"
	"github.com/luxfi/leverage/vms/creditvm/rates"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

var (
	_ Metrics = (*metricsImpl)(nil)

	errNotRegistry = errors.New("registerer must implement metric.Registry")

	wadFloat = new(big.Float).SetInt(rates.WAD)
)

type Metrics interface {
	utilmetric.APIInterceptor

	// MarkOperation counts one credit VM operation by name and outcome.
	MarkOperation(op string, err error)

	// ObservePool publishes the pool's liquidity, debt and rates.
	ObservePool(s *pool.Snapshot)

	SetOpenAccounts(n int)

	// ObserveScan records one liquidation scan and the number of
	// liquidatable accounts it found.
	ObserveScan(duration time.Duration, liquidatable int)
}

type metricsImpl struct {
	operations metric.CounterVec

	totalLiquidity metric.Gauge
	totalBorrowed  metric.Gauge
	utilization    metric.Gauge
	borrowRate     metric.Gauge
	exchangeRate   metric.Gauge
	openAccounts   metric.Gauge
	liquidatable   metric.Gauge

	scanDuration utilmetric.Averager

	utilmetric.APIInterceptor
}

func (m *metricsImpl) MarkOperation(op string, err error) {
	result := resultSuccess
	if err != nil {
		result = resultFailure
	}
	m.operations.With(metric.Labels{"op": op, "result": result}).Inc()
}

func (m *metricsImpl) ObservePool(s *pool.Snapshot) {
	m.totalLiquidity.Set(toFloat(s.TotalLiquidity))
	m.totalBorrowed.Set(toFloat(s.TotalBorrowed))
	m.utilization.Set(toFloat(s.Utilization))
	m.borrowRate.Set(toFloat(s.BorrowRate))
	m.exchangeRate.Set(toFloat(s.ExchangeRate))
}

func (m *metricsImpl) SetOpenAccounts(n int) {
	m.openAccounts.Set(float64(n))
}

func (m *metricsImpl) ObserveScan(duration time.Duration, liquidatable int) {
	m.scanDuration.Observe(float64(duration))
	m.liquidatable.Set(float64(liquidatable))
}

// New creates the credit VM collectors under namespace. registerer must
// also be a metric.Registry.
func New(namespace string, registerer metric.Registerer) (Metrics, error) {
	registry, ok := registerer.(metric.Registry)
	if !ok {
		return nil, errNotRegistry
	}

	metricsInstance := metric.NewWithRegistry(namespace, registry)
	m := &metricsImpl{
		operations: metricsInstance.NewCounterVec(
			"operations",
			"Number of credit operations by outcome",
			[]string{"op", "result"},
		),
		totalLiquidity: metricsInstance.NewGauge("pool_total_liquidity", "Expected liquidity of the pool in whole base units"),
		totalBorrowed:  metricsInstance.NewGauge("pool_total_borrowed", "Outstanding principal in whole base units"),
		utilization:    metricsInstance.NewGauge("pool_utilization", "Borrowed over liquidity"),
		borrowRate:     metricsInstance.NewGauge("pool_borrow_rate", "Annual borrow rate"),
		exchangeRate:   metricsInstance.NewGauge("pool_exchange_rate", "Base units per pool share"),
		openAccounts:   metricsInstance.NewGauge("open_credit_accounts", "Number of open credit accounts"),
		liquidatable:   metricsInstance.NewGauge("liquidatable_credit_accounts", "Liquidatable accounts found by the last scan"),
	}

	errs := wrappers.Errs{}
	scanDuration, err := utilmetric.NewAverager(
		namespace,
		"scan_duration",
		"time (in ns) spent scanning credit accounts",
		registry,
	)
	m.scanDuration = scanDuration
	errs.Add(err)

	apiRequestMetric, err := utilmetric.NewAPIInterceptor(namespace, registry)
	m.APIInterceptor = apiRequestMetric
	errs.Add(err)
	return m, errs.Err
}

// toFloat converts a WAD fixed-point value to a float.
func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), wadFloat).Float64()
	return f
}
