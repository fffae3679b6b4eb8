// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package utilmetric holds metric helpers shared by the VM packages.
package utilmetric

import "github.com/luxfi/metric"

// Averager tracks the count and sum of a series of observations so that a
// dashboard can derive the running mean.
type Averager interface {
	Observe(float64)
}

type averager struct {
	count metric.Counter
	sum   metric.Gauge
}

// NewAverager creates the name_count and name_sum collectors under namespace.
// Collectors register themselves with registry.
func NewAverager(namespace, name, desc string, registry metric.Registry) (Averager, error) {
	metricsInstance := metric.NewWithRegistry(namespace, registry)

	return &averager{
		count: metricsInstance.NewCounter(
			AppendNamespace(name, "count"),
			"Total # of observations of "+desc,
		),
		sum: metricsInstance.NewGauge(
			AppendNamespace(name, "sum"),
			"Sum of "+desc,
		),
	}, nil
}

func (a *averager) Observe(v float64) {
	a.count.Inc()
	a.sum.Add(v)
}

// AppendNamespace joins a prefix and a name with an underscore, skipping an
// empty prefix.
func AppendNamespace(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}
