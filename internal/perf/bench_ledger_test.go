package perf

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/site-materials/internal/stock"
	"github.com/odyssey-erp/site-materials/internal/stock/stocktest"
)

func newLedger() (*stock.Ledger, *stocktest.Store) {
	store := stocktest.NewStore()
	return stock.NewLedger(store, stock.NewMonitor(stock.ThresholdConfig{DefaultLowStockThreshold: decimal.NewFromInt(5)}), stock.Options{}), store
}

func TestLedgerLatencyTargets(t *testing.T) {
	ledger, _ := newLedger()
	ctx := context.Background()
	if _, err := ledger.Receive(ctx, stock.ReceiptInput{MaterialID: 1, StoreID: 1, Quantity: decimal.NewFromInt(1_000_000)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var (
		mu      sync.Mutex
		samples []time.Duration
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				start := time.Now()
				_, err := ledger.Adjust(ctx, stock.AdjustmentInput{MaterialID: 1, StoreID: 1, Quantity: decimal.NewFromInt(-1)})
				elapsed := time.Since(start)
				if err != nil {
					t.Errorf("adjust: %v", err)
					return
				}
				mu.Lock()
				samples = append(samples, elapsed)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if p95 := percentile95(samples); p95 > 50*time.Millisecond {
		t.Fatalf("contended adjustment latency regression: p95=%s", p95)
	}
	report, err := ledger.VerifyChain(ctx, 1)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Movements != 401 {
		t.Fatalf("expected 401 movements, got %d", report.Movements)
	}
}

func BenchmarkLedgerReceive(b *testing.B) {
	ledger, _ := newLedger()
	ctx := context.Background()
	qty := decimal.RequireFromString("1.5")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ledger.Receive(ctx, stock.ReceiptInput{MaterialID: int64(i%64) + 1, StoreID: 1, Quantity: qty}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLedgerAdjustContended(b *testing.B) {
	ledger, _ := newLedger()
	ctx := context.Background()
	if _, err := ledger.Receive(ctx, stock.ReceiptInput{MaterialID: 1, StoreID: 1, Quantity: decimal.NewFromInt(1 << 40)}); err != nil {
		b.Fatal(err)
	}
	minusOne := decimal.NewFromInt(-1)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := ledger.Adjust(ctx, stock.AdjustmentInput{MaterialID: 1, StoreID: 1, Quantity: minusOne}); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
