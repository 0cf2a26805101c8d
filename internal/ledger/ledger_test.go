package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"restocost/backend/internal/cache"
	"restocost/backend/internal/catalog"
	"restocost/backend/internal/domain"
	"restocost/backend/internal/lock"
	"restocost/backend/internal/store"
	"restocost/backend/internal/store/memory"
)

var d = decimal.RequireFromString

func newTestLedger(t *testing.T, gw store.Gateway) *Ledger {
	t.Helper()
	c := cache.New(cache.Options{TTL: time.Minute, RetryDelay: time.Millisecond, Permanent: catalog.IsPermanent})
	t.Cleanup(func() {
		_ = c.Shutdown()
	})
	reader := catalog.NewReader(gw, c, 0)
	locks := lock.NewAcquirer(lock.NewMemory(), lock.Options{Wait: time.Second, Attempts: 5})
	return New(gw, reader, c, locks, Options{})
}

func lotRemaining(t *testing.T, gw store.Gateway, lotID string) decimal.Decimal {
	t.Helper()
	rows, err := gw.ReadTable(context.Background(), store.TableLots)
	if err != nil {
		t.Fatalf("read lots: %v", err)
	}
	for _, row := range rows {
		if row["id"] == lotID {
			lot, err := store.DecodeLot(row)
			if err != nil {
				t.Fatalf("decode lot: %v", err)
			}
			return lot.RemainingQty
		}
	}
	t.Fatalf("lot %s not found", lotID)
	return decimal.Zero
}

func TestConsumeSpansLotsOldestFirst(t *testing.T) {
	gw := memory.NewSeeded()
	l := newTestLedger(t, gw)

	res, err := l.Consume(context.Background(), "lime", d("15"))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(res.Draws) != 2 {
		t.Fatalf("expected two draws, got %+v", res.Draws)
	}
	if res.Draws[0].LotID != "lot-lime-0001" || !res.Draws[0].Qty.Equal(d("10")) || !res.Draws[0].Cost.Equal(d("20")) {
		t.Fatalf("unexpected first draw %+v", res.Draws[0])
	}
	if res.Draws[1].LotID != "lot-lime-0002" || !res.Draws[1].Qty.Equal(d("5")) || !res.Draws[1].Cost.Equal(d("12.5")) {
		t.Fatalf("unexpected second draw %+v", res.Draws[1])
	}
	if !res.TotalCost.Equal(d("32.5")) {
		t.Fatalf("expected total 32.5, got %s", res.TotalCost)
	}
	if !res.UnitCost.Round(4).Equal(d("2.1667")) {
		t.Fatalf("expected unit cost 2.1667, got %s", res.UnitCost)
	}
	if !lotRemaining(t, gw, "lot-lime-0001").IsZero() {
		t.Fatalf("expected first lot depleted")
	}
	if !lotRemaining(t, gw, "lot-lime-0002").Equal(d("15")) {
		t.Fatalf("expected 15 left in second lot")
	}
}

func TestConsumeWithinOldestLotLeavesNewerUntouched(t *testing.T) {
	gw := memory.NewSeeded()
	l := newTestLedger(t, gw)

	res, err := l.Consume(context.Background(), "lime", d("10"))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(res.Draws) != 1 || res.Draws[0].LotID != "lot-lime-0001" {
		t.Fatalf("expected draw only from oldest lot, got %+v", res.Draws)
	}
	if !lotRemaining(t, gw, "lot-lime-0002").Equal(d("20")) {
		t.Fatalf("newer lot must be untouched")
	}
}

func TestConsumeShortRejectsWithoutChanges(t *testing.T) {
	gw := memory.NewSeeded()
	l := newTestLedger(t, gw)

	_, err := l.Consume(context.Background(), "lime", d("31"))
	var short domain.InsufficientStockError
	if !errors.As(err, &short) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if short.IngredientID != "lime" || !short.Requested.Equal(d("31")) || !short.Available.Equal(d("30")) {
		t.Fatalf("unexpected error detail %+v", short)
	}
	if !lotRemaining(t, gw, "lot-lime-0001").Equal(d("10")) || !lotRemaining(t, gw, "lot-lime-0002").Equal(d("20")) {
		t.Fatalf("lots changed after rejected consumption")
	}
}

func TestConsumeBreaksCreationTiesByLotID(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	_ = gw.AppendRow(ctx, store.TableIngredients, store.EncodeIngredient(domain.Ingredient{ID: "salt", Name: "Salt", Ratio: d("1")}))
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	for _, lot := range []domain.Lot{
		{ID: "lot-b", IngredientID: "salt", CreatedAt: at, InitialQty: d("5"), RemainingQty: d("5"), CostPerUnit: d("3")},
		{ID: "lot-a", IngredientID: "salt", CreatedAt: at, InitialQty: d("5"), RemainingQty: d("5"), CostPerUnit: d("1")},
	} {
		if err := gw.AppendRow(ctx, store.TableLots, store.EncodeLot(lot)); err != nil {
			t.Fatalf("seed lot: %v", err)
		}
	}
	l := newTestLedger(t, gw)

	res, err := l.Consume(ctx, "salt", d("2"))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Draws[0].LotID != "lot-a" {
		t.Fatalf("expected lot-a first on equal creation time, got %s", res.Draws[0].LotID)
	}
}

func TestConsumeConservesQuantity(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewSeeded()
	l := newTestLedger(t, gw)

	before := lotRemaining(t, gw, "lot-lime-0001").Add(lotRemaining(t, gw, "lot-lime-0002"))
	taken := decimal.Zero
	for _, qty := range []string{"0.5", "3", "7.25", "4", "1.75"} {
		res, err := l.Consume(ctx, "lime", d(qty))
		if err != nil {
			t.Fatalf("consume %s: %v", qty, err)
		}
		sum := decimal.Zero
		for _, draw := range res.Draws {
			sum = sum.Add(draw.Qty)
		}
		if !sum.Equal(d(qty)) {
			t.Fatalf("draws sum %s, requested %s", sum, qty)
		}
		taken = taken.Add(sum)
	}
	after := lotRemaining(t, gw, "lot-lime-0001").Add(lotRemaining(t, gw, "lot-lime-0002"))
	if !before.Sub(after).Equal(taken) {
		t.Fatalf("remaining dropped by %s, consumed %s", before.Sub(after), taken)
	}
}

func TestConcurrentConsumersNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewSeeded()
	l := newTestLedger(t, gw)

	const workers = 30
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Consume(ctx, "lime", d("1")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent consume failed: %v", err)
	}

	if !lotRemaining(t, gw, "lot-lime-0001").IsZero() || !lotRemaining(t, gw, "lot-lime-0002").IsZero() {
		t.Fatalf("expected every lime lot drained exactly")
	}
	var short domain.InsufficientStockError
	if _, err := l.Consume(ctx, "lime", d("1")); !errors.As(err, &short) {
		t.Fatalf("expected insufficient stock after draining, got %v", err)
	}
}

func TestConsumeManyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewSeeded()
	l := newTestLedger(t, gw)

	_, err := l.ConsumeMany(ctx, []Requirement{
		{IngredientID: "lime", Qty: d("5")},
		{IngredientID: "chili", Qty: d("99999")},
	})
	var short domain.InsufficientStockError
	if !errors.As(err, &short) || short.IngredientID != "chili" {
		t.Fatalf("expected chili shortage, got %v", err)
	}
	if !lotRemaining(t, gw, "lot-lime-0001").Equal(d("10")) {
		t.Fatalf("lime must not be consumed when the request is rejected")
	}

	results, err := l.ConsumeMany(ctx, []Requirement{
		{IngredientID: "lime", Qty: d("2")},
		{IngredientID: "chili", Qty: d("100")},
		{IngredientID: "lime", Qty: d("1")},
	})
	if err != nil {
		t.Fatalf("consume many: %v", err)
	}
	if len(results) != 2 || !results[0].Requested.Equal(d("3")) {
		t.Fatalf("expected merged lime requirement, got %+v", results)
	}
}

func TestConsumeValidation(t *testing.T) {
	l := newTestLedger(t, memory.NewSeeded())

	var invalid domain.ValidationError
	if _, err := l.Consume(context.Background(), "lime", d("0")); !errors.As(err, &invalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var missing domain.MissingIngredientError
	if _, err := l.Consume(context.Background(), "saffron", d("1")); !errors.As(err, &missing) {
		t.Fatalf("expected missing ingredient, got %v", err)
	}
}

func TestConsumeAbortsBeforeLockWhenCancelled(t *testing.T) {
	gw := memory.NewSeeded()
	l := newTestLedger(t, gw)
	// warm the ingredient cache so only the cancellation check remains
	if _, err := l.Snapshot(context.Background(), "lime"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Consume(ctx, "lime", d("1")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if !lotRemaining(t, gw, "lot-lime-0001").Equal(d("10")) {
		t.Fatalf("cancelled consume changed stock")
	}
}

func TestRecordPurchaseDerivesCosts(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewSeeded()
	l := newTestLedger(t, gw)

	res, err := l.RecordPurchase(ctx, PurchaseInput{IngredientID: "rice", QtyBuy: d("2"), TotalPrice: d("40")})
	if err != nil {
		t.Fatalf("record purchase: %v", err)
	}
	if !res.Purchase.UnitPrice.Equal(d("20")) || !res.Purchase.StockQty.Equal(d("2000")) {
		t.Fatalf("unexpected purchase derivation %+v", res.Purchase)
	}
	if !res.Lot.CostPerUnit.Equal(d("0.02")) || !res.Lot.RemainingQty.Equal(res.Lot.InitialQty) {
		t.Fatalf("unexpected lot %+v", res.Lot)
	}
	if res.Purchase.LotID != res.Lot.ID || res.Purchase.Unit != "kg" {
		t.Fatalf("purchase must reference its lot and default the buy unit: %+v", res.Purchase)
	}

	rows, _ := gw.ReadTable(ctx, store.TablePurchases)
	if len(rows) != 1 {
		t.Fatalf("expected one purchase row, got %d", len(rows))
	}
}

func TestRecordPurchaseValidation(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, memory.NewSeeded())

	var invalid domain.ValidationError
	if _, err := l.RecordPurchase(ctx, PurchaseInput{IngredientID: "lime", QtyBuy: d("0"), TotalPrice: d("5")}); !errors.As(err, &invalid) {
		t.Fatalf("expected validation error for zero qty, got %v", err)
	}
	if _, err := l.RecordPurchase(ctx, PurchaseInput{IngredientID: "lime", QtyBuy: d("1"), TotalPrice: d("-1")}); !errors.As(err, &invalid) {
		t.Fatalf("expected validation error for negative price, got %v", err)
	}
	var missing domain.MissingIngredientError
	if _, err := l.RecordPurchase(ctx, PurchaseInput{IngredientID: "saffron", QtyBuy: d("1"), TotalPrice: d("9")}); !errors.As(err, &missing) {
		t.Fatalf("expected missing ingredient, got %v", err)
	}
	if _, err := l.RecordPurchase(ctx, PurchaseInput{IngredientID: "lime", QtyBuy: d("4"), TotalPrice: d("0")}); err != nil {
		t.Fatalf("free stock should be accepted: %v", err)
	}
}

func TestSnapshotSeesPurchaseInsideTTL(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, memory.NewSeeded())

	before, err := l.Snapshot(ctx, "lime")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !before.Remaining.Equal(d("30")) || len(before.Lots) != 2 {
		t.Fatalf("unexpected starting snapshot %+v", before)
	}

	res, err := l.RecordPurchase(ctx, PurchaseInput{IngredientID: "lime", QtyBuy: d("12"), TotalPrice: d("36")})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	after, err := l.Snapshot(ctx, "lime")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !after.Remaining.Equal(d("42")) || len(after.Lots) != 3 || after.Lots[2].ID != res.Lot.ID {
		t.Fatalf("snapshot did not pick up the new lot: %+v", after)
	}
}

func TestSnapshotFlagsLowStockAndHidesDepletedLots(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, memory.NewSeeded())

	if _, err := l.Consume(ctx, "lime", d("25")); err != nil {
		t.Fatalf("consume: %v", err)
	}
	snap, err := l.Snapshot(ctx, "lime")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.LowStock || !snap.Remaining.Equal(d("5")) {
		t.Fatalf("expected low stock with 5 left, got %+v", snap)
	}
	if len(snap.Lots) != 1 || snap.Lots[0].ID != "lot-lime-0002" {
		t.Fatalf("depleted lot must not be listed as active: %+v", snap.Lots)
	}
	if !snap.StockValue.Equal(d("12.5")) {
		t.Fatalf("expected stock value 12.5, got %s", snap.StockValue)
	}
}

func TestPreviewDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewSeeded()
	l := newTestLedger(t, gw)

	p, err := l.Preview(ctx, "lime", d("15"))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !p.Priced || !p.TotalCost.Equal(d("32.5")) || len(p.Warnings) != 0 {
		t.Fatalf("unexpected preview %+v", p)
	}
	if !lotRemaining(t, gw, "lot-lime-0001").Equal(d("10")) {
		t.Fatalf("preview consumed stock")
	}
}

func TestPreviewWithoutLotsWarnsMissingPrice(t *testing.T) {
	l := newTestLedger(t, memory.NewSeeded())

	p, err := l.Preview(context.Background(), "box", d("2"))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.Priced || len(p.Warnings) != 1 || p.Warnings[0].Message != "missing price: box" {
		t.Fatalf("expected missing price warning, got %+v", p)
	}
}

func TestPreviewPricesShortfallAtNewestLot(t *testing.T) {
	l := newTestLedger(t, memory.NewSeeded())

	p, err := l.Preview(context.Background(), "lime", d("32"))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	// 10*2.0 + 20*2.5 + 2*2.5
	if !p.TotalCost.Equal(d("75")) {
		t.Fatalf("expected 75, got %s", p.TotalCost)
	}
	if len(p.Warnings) != 1 || p.Warnings[0].Code != domain.WarningShortStock {
		t.Fatalf("expected short stock warning, got %+v", p.Warnings)
	}
}

var errAppendDown = errors.New("append unavailable")

// appendFailingStore rejects appends to one table and passes everything else
// through to the memory store.
type appendFailingStore struct {
	*memory.Store
	table string
}

func (s appendFailingStore) AppendRow(ctx context.Context, table string, row store.Row) error {
	if table == s.table {
		return errAppendDown
	}
	return s.Store.AppendRow(ctx, table, row)
}

// leaseLosingProvider hands out locks whose lease is already gone.
type leaseLosingProvider struct {
	lock.Provider
}

func (p leaseLosingProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lock, error) {
	l, err := p.Provider.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return expiredLock{Lock: l}, nil
}

type expiredLock struct {
	lock.Lock
}

func (expiredLock) Refresh(context.Context, time.Duration) error {
	return lock.ErrNotHeld
}

func TestConsumeAndRecordRestoresLotsWhenRecordFails(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewSeeded()
	l := newTestLedger(t, gw)

	var seen []domain.ConsumptionResult
	_, err := l.ConsumeAndRecord(ctx, []Requirement{{IngredientID: "lime", Qty: d("15")}},
		func(_ context.Context, results []domain.ConsumptionResult) error {
			seen = results
			if !lotRemaining(t, gw, "lot-lime-0001").IsZero() {
				t.Fatalf("record must run after the lots are updated")
			}
			return errAppendDown
		})
	if !errors.Is(err, errAppendDown) {
		t.Fatalf("expected the record error, got %v", err)
	}
	if len(seen) != 1 || !seen[0].TotalCost.Equal(d("32.5")) {
		t.Fatalf("record did not receive the draws: %+v", seen)
	}
	if !lotRemaining(t, gw, "lot-lime-0001").Equal(d("10")) || !lotRemaining(t, gw, "lot-lime-0002").Equal(d("20")) {
		t.Fatalf("lots not restored after a failed record")
	}
	snap, err := l.Snapshot(ctx, "lime")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.Remaining.Equal(d("30")) {
		t.Fatalf("expected 30 limes after restore, got %s", snap.Remaining)
	}
}

func TestConsumeWritesNothingWhenLeaseLost(t *testing.T) {
	gw := memory.NewSeeded()
	c := cache.New(cache.Options{TTL: time.Minute, RetryDelay: time.Millisecond, Permanent: catalog.IsPermanent})
	t.Cleanup(func() {
		_ = c.Shutdown()
	})
	reader := catalog.NewReader(gw, c, 0)
	locks := lock.NewAcquirer(leaseLosingProvider{Provider: lock.NewMemory()}, lock.Options{Wait: time.Second})
	l := New(gw, reader, c, locks, Options{})

	recorded := false
	_, err := l.ConsumeAndRecord(context.Background(), []Requirement{{IngredientID: "lime", Qty: d("5")}},
		func(context.Context, []domain.ConsumptionResult) error {
			recorded = true
			return nil
		})
	var timeout domain.LockTimeoutError
	if !errors.As(err, &timeout) || timeout.Key != "ingredient:lime" {
		t.Fatalf("expected lost lease to surface as lock timeout, got %v", err)
	}
	if recorded {
		t.Fatalf("record ran without a live lease")
	}
	if !lotRemaining(t, gw, "lot-lime-0001").Equal(d("10")) {
		t.Fatalf("lots changed without a live lease")
	}
}

func TestRecordPurchaseVoidsLotWhenPurchaseRowFails(t *testing.T) {
	ctx := context.Background()
	gw := appendFailingStore{Store: memory.NewSeeded(), table: store.TablePurchases}
	l := newTestLedger(t, gw)

	_, err := l.RecordPurchase(ctx, PurchaseInput{IngredientID: "lime", QtyBuy: d("12"), TotalPrice: d("36")})
	if !errors.Is(err, errAppendDown) {
		t.Fatalf("expected purchase append failure, got %v", err)
	}
	snap, err := l.Snapshot(ctx, "lime")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.Remaining.Equal(d("30")) || len(snap.Lots) != 2 {
		t.Fatalf("lot without a purchase row is still drawable: %+v", snap)
	}
	res, err := l.Consume(ctx, "lime", d("30"))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !res.TotalCost.Equal(d("70")) {
		t.Fatalf("voided lot took part in costing: %s", res.TotalCost)
	}
}

func TestBackdatedPurchaseTakesItsFIFOPlace(t *testing.T) {
	ctx := context.Background()
	gw := memory.NewSeeded()
	l := newTestLedger(t, gw)

	bought, err := l.RecordPurchase(ctx, PurchaseInput{
		IngredientID: "lime",
		QtyBuy:       d("5"),
		TotalPrice:   d("5"),
		Date:         time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if y, m, day := bought.Lot.CreatedAt.Date(); y != 2023 || m != time.December || day != 1 {
		t.Fatalf("lot must be dated on its purchase day, got %s", bought.Lot.CreatedAt)
	}

	res, err := l.Consume(ctx, "lime", d("5"))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(res.Draws) != 1 || res.Draws[0].LotID != bought.Lot.ID {
		t.Fatalf("expected the backdated lot to be drawn first, got %+v", res.Draws)
	}
	if !lotRemaining(t, gw, "lot-lime-0001").Equal(d("10")) {
		t.Fatalf("older seeded lot should be untouched")
	}
}

func TestRecordPurchaseRejectsFutureDate(t *testing.T) {
	gw := memory.NewSeeded()
	l := newTestLedger(t, gw)
	l.now = func() time.Time { return time.Date(2024, 3, 10, 23, 0, 0, 0, time.UTC) }

	_, err := l.RecordPurchase(context.Background(), PurchaseInput{
		IngredientID: "lime",
		QtyBuy:       d("1"),
		TotalPrice:   d("2"),
		Date:         time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
	})
	var invalid domain.ValidationError
	if !errors.As(err, &invalid) || invalid.Field != "date" {
		t.Fatalf("expected date validation, got %v", err)
	}
	if _, err := l.RecordPurchase(context.Background(), PurchaseInput{
		IngredientID: "lime",
		QtyBuy:       d("1"),
		TotalPrice:   d("2"),
		Date:         time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("same-day purchase should be accepted: %v", err)
	}
}
