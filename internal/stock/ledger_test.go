package stock_test

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/site-materials/internal/shared"
	"github.com/odyssey-erp/site-materials/internal/stock"
	"github.com/odyssey-erp/site-materials/internal/stock/stocktest"
)

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

func qty(s string) decimal.Decimal { return shared.MustQty(s) }

func newLedger(store *stocktest.Store, audit stock.AuditPort) *stock.Ledger {
	return stock.NewLedger(store, stock.NewMonitor(stock.ThresholdConfig{}), stock.Options{Audit: audit})
}

func TestReceiveAndIssueKeepChain(t *testing.T) {
	store := stocktest.NewStore()
	audit := &recordingAudit{}
	ledger := newLedger(store, audit)
	ctx := context.Background()

	res, err := ledger.Receive(ctx, stock.ReceiptInput{MaterialID: 1, StoreID: 9, Quantity: qty("150"), ActorID: 3})
	require.NoError(t, err)
	require.True(t, res.Applied())
	require.True(t, res.Before.IsZero())
	require.True(t, res.After.Equal(qty("150")))

	out, err := ledger.Apply(ctx, stock.MovementInput{MaterialID: 1, StoreID: 9, Type: stock.MovementOut, Quantity: qty("20.125"), SourceType: stock.SourceRequestIssuance, SourceID: "req-1"})
	require.NoError(t, err)
	require.True(t, out.Applied())
	require.True(t, out.Before.Equal(qty("150")))
	require.True(t, out.Movement.Delta.Equal(qty("-20.125")))
	require.True(t, out.After.Equal(qty("129.875")))

	rec, err := ledger.Record(ctx, 1, 9)
	require.NoError(t, err)
	require.True(t, rec.OnHand.Equal(qty("129.875")))
	require.Equal(t, out.Movement.ID, rec.LastMovementID)

	report, err := ledger.VerifyChain(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, 2, report.Movements)
	require.True(t, report.Sum.Equal(rec.OnHand))

	require.Equal(t, []string{"stock:receive"}, audit.actions())
}

func TestAdjustmentBelowZeroRejected(t *testing.T) {
	store := stocktest.NewStore()
	ledger := newLedger(store, nil)
	ctx := context.Background()

	_, err := ledger.Receive(ctx, stock.ReceiptInput{MaterialID: 4, StoreID: 1, Quantity: qty("150")})
	require.NoError(t, err)

	res, err := ledger.Adjust(ctx, stock.AdjustmentInput{MaterialID: 4, StoreID: 1, Quantity: qty("-200"), Note: "count"})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	require.Equal(t, stock.StatusRejected, res.Status)
	require.Equal(t, stock.ReasonInsufficientStock, res.Reason)

	rec, err := ledger.Record(ctx, 4, 1)
	require.NoError(t, err)
	require.True(t, rec.OnHand.Equal(qty("150")))
	require.Equal(t, 1, store.MovementCount())

	res, err = ledger.Adjust(ctx, stock.AdjustmentInput{MaterialID: 4, StoreID: 1, Quantity: qty("-150")})
	require.NoError(t, err)
	require.True(t, res.After.IsZero())
}

func TestOutRejectionIsNotAnError(t *testing.T) {
	ledger := newLedger(stocktest.NewStore(), nil)

	res, err := ledger.Apply(context.Background(), stock.MovementInput{MaterialID: 2, StoreID: 2, Type: stock.MovementOut, Quantity: qty("1"), SourceType: stock.SourceRequestIssuance})
	require.NoError(t, err)
	require.False(t, res.Applied())
	require.Equal(t, stock.ReasonInsufficientStock, res.Reason)
}

func TestRejectedOutOnNewRecordSetsFlag(t *testing.T) {
	mr := miniredis.RunT(t)
	alerts := stock.NewRedisAlertIndex(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ledger := stock.NewLedger(stocktest.NewStore(), stock.NewMonitor(stock.ThresholdConfig{}), stock.Options{Alerts: alerts})
	ctx := context.Background()

	res, err := ledger.Apply(ctx, stock.MovementInput{MaterialID: 5, StoreID: 3, Type: stock.MovementOut, Quantity: qty("2"), SourceType: stock.SourceRequestIssuance})
	require.NoError(t, err)
	require.False(t, res.Applied())
	require.True(t, res.Record.LowStockAlert)

	rec, err := ledger.Record(ctx, 5, 3)
	require.NoError(t, err)
	require.True(t, rec.OnHand.IsZero())
	require.True(t, rec.LowStockAlert)
	low, err := alerts.LowStock(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, []int64{5}, low)
}

func TestApplyValidatesInput(t *testing.T) {
	ledger := newLedger(stocktest.NewStore(), nil)
	ctx := context.Background()

	_, err := ledger.Apply(ctx, stock.MovementInput{MaterialID: 1, StoreID: 1, Type: stock.MovementOut, Quantity: qty("-1")})
	require.ErrorIs(t, err, stock.ErrInvalidQuantity)
	_, err = ledger.Apply(ctx, stock.MovementInput{MaterialID: 1, StoreID: 1, Type: stock.MovementAdjustment, Quantity: qty("0.0001")})
	require.ErrorIs(t, err, stock.ErrInvalidQuantity)
	_, err = ledger.Apply(ctx, stock.MovementInput{MaterialID: 1, StoreID: 1, Type: "TRANSFER", Quantity: qty("1")})
	require.ErrorIs(t, err, stock.ErrInvalidMovement)
	_, err = ledger.Receive(ctx, stock.ReceiptInput{StoreID: 1, Quantity: qty("1")})
	require.ErrorIs(t, err, stock.ErrInvalidMovement)
}

func TestCorruptedRecordIsQuarantined(t *testing.T) {
	store := stocktest.NewStore()
	ledger := newLedger(store, nil)
	ctx := context.Background()

	_, err := ledger.Receive(ctx, stock.ReceiptInput{MaterialID: 7, StoreID: 1, Quantity: qty("10")})
	require.NoError(t, err)
	store.OverwriteOnHand(7, 1, qty("12"))

	_, err = ledger.Apply(ctx, stock.MovementInput{MaterialID: 7, StoreID: 1, Type: stock.MovementOut, Quantity: qty("1"), SourceType: stock.SourceRequestIssuance})
	var cerr *stock.LedgerConsistencyError
	require.ErrorAs(t, err, &cerr)
	require.EqualValues(t, 7, cerr.MaterialID)

	rec, err := ledger.Record(ctx, 7, 1)
	require.NoError(t, err)
	require.True(t, rec.Quarantined)
	require.Equal(t, 1, store.MovementCount())

	_, err = ledger.Receive(ctx, stock.ReceiptInput{MaterialID: 7, StoreID: 1, Quantity: qty("5")})
	require.ErrorAs(t, err, &cerr)
	require.ErrorIs(t, err, stock.ErrRecordQuarantined)
	_, err = ledger.Receive(ctx, stock.ReceiptInput{MaterialID: 7, StoreID: 1, Quantity: qty("5")})
	require.ErrorIs(t, err, stock.ErrRecordQuarantined)

	again, err := ledger.Record(ctx, 7, 1)
	require.NoError(t, err)
	require.Equal(t, rec.QuarantineReason, again.QuarantineReason)
	require.Equal(t, "on hand 12, last movement after 10", again.QuarantineReason)

	_, err = ledger.VerifyChain(ctx, rec.ID)
	require.ErrorAs(t, err, &cerr)
}

// interleavingStore runs onShare right after a record is share-locked, while
// the verifying transaction is still open.
type interleavingStore struct {
	*stocktest.Store
	onShare func()
}

func (s *interleavingStore) WithTx(ctx context.Context, fn func(context.Context, stock.TxRepository) error) error {
	onShare := s.onShare
	return s.Store.WithTx(ctx, func(ctx context.Context, tx stock.TxRepository) error {
		return fn(ctx, interleavingTx{TxRepository: tx, onShare: onShare})
	})
}

type interleavingTx struct {
	stock.TxRepository
	onShare func()
}

func (t interleavingTx) ShareRecord(ctx context.Context, id int64) (stock.Record, error) {
	rec, err := t.TxRepository.ShareRecord(ctx, id)
	if t.onShare != nil {
		t.onShare()
	}
	return rec, err
}

func TestVerifyChainWaitsOutConcurrentMovements(t *testing.T) {
	store := &interleavingStore{Store: stocktest.NewStore()}
	ledger := stock.NewLedger(store, stock.NewMonitor(stock.ThresholdConfig{}), stock.Options{})
	ctx := context.Background()

	res, err := ledger.Receive(ctx, stock.ReceiptInput{MaterialID: 1, StoreID: 9, Quantity: qty("10")})
	require.NoError(t, err)

	var g errgroup.Group
	var once sync.Once
	store.onShare = func() {
		once.Do(func() {
			g.Go(func() error {
				_, err := ledger.Receive(ctx, stock.ReceiptInput{MaterialID: 1, StoreID: 9, Quantity: qty("5")})
				return err
			})
		})
	}

	report, err := ledger.VerifyChain(ctx, res.Record.ID)
	require.NoError(t, err)
	require.Equal(t, 1, report.Movements)
	require.True(t, report.Sum.Equal(qty("10")))
	require.NoError(t, g.Wait())

	report, err = ledger.VerifyChain(ctx, res.Record.ID)
	require.NoError(t, err)
	require.Equal(t, 2, report.Movements)
	require.True(t, report.Sum.Equal(qty("15")))

	rec, err := ledger.Record(ctx, 1, 9)
	require.NoError(t, err)
	require.False(t, rec.Quarantined)
}

func TestVerifyChainUnderLiveTraffic(t *testing.T) {
	store := stocktest.NewStore()
	ledger := newLedger(store, nil)
	ctx := context.Background()
	res, err := ledger.Receive(ctx, stock.ReceiptInput{MaterialID: 3, StoreID: 4, Quantity: qty("1")})
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 50; i++ {
			if _, err := ledger.Receive(ctx, stock.ReceiptInput{MaterialID: 3, StoreID: 4, Quantity: qty("1")}); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < 50; i++ {
			if _, err := ledger.VerifyChain(ctx, res.Record.ID); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
}

func TestConcurrentOutNeverOverdraws(t *testing.T) {
	store := stocktest.NewStore()
	ledger := newLedger(store, nil)
	ctx := context.Background()

	_, err := ledger.Receive(ctx, stock.ReceiptInput{MaterialID: 1, StoreID: 1, Quantity: qty("10")})
	require.NoError(t, err)

	var mu sync.Mutex
	applied, rejected := 0, 0
	var g errgroup.Group
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			res, err := ledger.Apply(ctx, stock.MovementInput{MaterialID: 1, StoreID: 1, Type: stock.MovementOut, Quantity: qty("1"), SourceType: stock.SourceRequestIssuance})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Applied() {
				applied++
			} else {
				rejected++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 10, applied)
	require.Equal(t, 15, rejected)

	rec, err := ledger.Record(ctx, 1, 1)
	require.NoError(t, err)
	require.True(t, rec.OnHand.IsZero())
	_, err = ledger.VerifyChain(ctx, rec.ID)
	require.NoError(t, err)
}

func TestLowStockFlagFollowsMovements(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	alerts := stock.NewRedisAlertIndex(client)
	store := stocktest.NewStore()
	ledger := stock.NewLedger(store, stock.NewMonitor(stock.ThresholdConfig{DefaultLowStockThreshold: qty("5")}), stock.Options{Alerts: alerts})
	ctx := context.Background()

	res, err := ledger.Receive(ctx, stock.ReceiptInput{MaterialID: 11, StoreID: 2, Quantity: qty("5")})
	require.NoError(t, err)
	require.True(t, res.Record.LowStockAlert)
	low, err := alerts.LowStock(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{11}, low)

	res, err = ledger.Receive(ctx, stock.ReceiptInput{MaterialID: 11, StoreID: 2, Quantity: qty("0.001")})
	require.NoError(t, err)
	require.False(t, res.Record.LowStockAlert)
	low, err = alerts.LowStock(ctx, 2)
	require.NoError(t, err)
	require.Empty(t, low)

	rec, err := ledger.SetThresholds(ctx, stock.ThresholdInput{MaterialID: 11, StoreID: 2, ReorderLevel: qty("20")})
	require.NoError(t, err)
	require.True(t, rec.LowStockAlert)
	require.True(t, rec.OnHand.Equal(qty("5.001")))
	low, err = alerts.LowStock(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{11}, low)
}

func TestSweepReevaluatesFlags(t *testing.T) {
	store := stocktest.NewStore()
	ctx := context.Background()
	_, err := newLedger(store, nil).Receive(ctx, stock.ReceiptInput{MaterialID: 1, StoreID: 1, Quantity: qty("3")})
	require.NoError(t, err)
	_, err = newLedger(store, nil).Receive(ctx, stock.ReceiptInput{MaterialID: 2, StoreID: 1, Quantity: qty("300")})
	require.NoError(t, err)

	stricter := stock.NewLedger(store, stock.NewMonitor(stock.ThresholdConfig{DefaultLowStockThreshold: qty("10")}), stock.Options{})
	changed, err := stricter.Sweep(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, changed)

	changed, err = stricter.Sweep(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, changed)

	rec, err := stricter.Record(ctx, 1, 1)
	require.NoError(t, err)
	require.True(t, rec.LowStockAlert)
}
