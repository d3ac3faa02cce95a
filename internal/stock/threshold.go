package stock

import "github.com/shopspring/decimal"

// ThresholdConfig holds defaults for records without their own threshold.
type ThresholdConfig struct {
	DefaultLowStockThreshold decimal.Decimal
}

// Monitor derives the low-stock flag of a record.
type Monitor struct {
	cfg ThresholdConfig
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg ThresholdConfig) *Monitor {
	return &Monitor{cfg: cfg}
}

// Limit is the quantity at or below which a record is low on stock.
func (m *Monitor) Limit(rec Record) decimal.Decimal {
	threshold := m.cfg.DefaultLowStockThreshold
	if rec.LowStockThreshold.Valid {
		threshold = rec.LowStockThreshold.Decimal
	}
	return decimal.Max(rec.ReorderLevel, threshold)
}

// Evaluate sets rec.LowStockAlert and reports whether the flag changed.
func (m *Monitor) Evaluate(rec *Record) bool {
	low := rec.OnHand.LessThanOrEqual(m.Limit(*rec))
	changed := rec.LowStockAlert != low
	rec.LowStockAlert = low
	return changed
}
