package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"restocost/backend/internal/cache"
	"restocost/backend/internal/catalog"
	"restocost/backend/internal/domain"
	"restocost/backend/internal/lock"
	"restocost/backend/internal/logging"
	"restocost/backend/internal/store"
	"restocost/backend/internal/xid"
)

// Ledger is the only writer of lot remaining quantities. Every mutation runs
// under the per-ingredient lock and ends with a cache invalidation.
type Ledger struct {
	gw      store.Gateway
	catalog *catalog.Reader
	cache   *cache.Cache
	locks   *lock.Acquirer
	now     func() time.Time
	log     *logrus.Entry
}

type Options struct {
	Now    func() time.Time
	Logger logrus.FieldLogger
}

func New(gw store.Gateway, reader *catalog.Reader, c *cache.Cache, locks *lock.Acquirer, opts Options) *Ledger {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		gw:      gw,
		catalog: reader,
		cache:   c,
		locks:   locks,
		now:     opts.Now,
		log:     logging.Component(opts.Logger, "ledger"),
	}
}

type PurchaseInput struct {
	IngredientID string
	QtyBuy       decimal.Decimal
	TotalPrice   decimal.Decimal
	Unit         string
	Date         time.Time
	Supplier     string
	Note         string
}

// Requirement is one ingredient quantity to draw, in stock units.
type Requirement struct {
	IngredientID string
	Qty          decimal.Decimal
}

func lockKey(ingredientID string) string {
	return "ingredient:" + ingredientID
}

func (l *Ledger) RecordPurchase(ctx context.Context, in PurchaseInput) (domain.PurchaseResult, error) {
	in.IngredientID = strings.TrimSpace(in.IngredientID)
	if in.IngredientID == "" {
		return domain.PurchaseResult{}, domain.NewValidationError("ingredient_id", "is required")
	}
	if !in.QtyBuy.IsPositive() {
		return domain.PurchaseResult{}, domain.NewValidationError("qty_buy", "must be > 0, got %s", in.QtyBuy.String())
	}
	if in.TotalPrice.IsNegative() {
		return domain.PurchaseResult{}, domain.NewValidationError("total_price", "must be >= 0, got %s", in.TotalPrice.String())
	}
	if !in.Date.IsZero() && civilDay(in.Date).After(civilDay(l.now())) {
		return domain.PurchaseResult{}, domain.NewValidationError("date", "must not be in the future, got %s", in.Date.Format(domain.DateLayout))
	}

	ing, _, err := l.catalog.Ingredient(ctx, in.IngredientID)
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.PurchaseResult{}, err
	}

	held, err := l.locks.AcquireAll(ctx, []string{lockKey(ing.ID)})
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	wctx := context.WithoutCancel(ctx)
	defer l.release(wctx, held)

	now := l.now().UTC()
	date := in.Date
	if date.IsZero() {
		date = now
	}
	stockQty := in.QtyBuy.Mul(ing.Ratio)
	unit := in.Unit
	if unit == "" {
		unit = ing.BuyUnit
	}

	lot := domain.Lot{
		ID:           xid.New("lot"),
		IngredientID: ing.ID,
		CreatedAt:    lotTime(date, now),
		InitialQty:   stockQty,
		RemainingQty: stockQty,
		CostPerUnit:  in.TotalPrice.Div(stockQty),
	}
	purchase := domain.Purchase{
		ID:               xid.New("pur"),
		Date:             date,
		LotID:            lot.ID,
		IngredientID:     ing.ID,
		QtyBuy:           in.QtyBuy,
		Unit:             unit,
		TotalPrice:       in.TotalPrice,
		UnitPrice:        in.TotalPrice.Div(in.QtyBuy),
		StockQty:         stockQty,
		CostPerStockUnit: lot.CostPerUnit,
		Supplier:         in.Supplier,
		Note:             in.Note,
	}

	if err := held.Refresh(wctx); err != nil {
		return domain.PurchaseResult{}, err
	}
	if err := l.gw.AppendRow(wctx, store.TableLots, store.EncodeLot(lot)); err != nil {
		return domain.PurchaseResult{}, fmt.Errorf("append lot for %s: %w", ing.ID, err)
	}
	defer l.invalidateIngredient(wctx, ing.ID)

	if err := l.gw.AppendRow(wctx, store.TablePurchases, store.EncodePurchase(purchase)); err != nil {
		err = fmt.Errorf("append purchase for lot %s: %w", lot.ID, err)
		// The lot cannot be removed, so it is emptied before anyone can draw from it.
		void := store.Row{"remaining_qty": decimal.Zero.String()}
		if voidErr := l.gw.UpdateRow(wctx, store.TableLots, lot.ID, void); voidErr != nil {
			l.log.WithFields(logrus.Fields{"ingredient_id": ing.ID, "lot_id": lot.ID}).WithError(voidErr).
				Error("lot written without its purchase row and could not be voided")
			return domain.PurchaseResult{}, errors.Join(err, fmt.Errorf("void lot %s: %w", lot.ID, voidErr))
		}
		l.log.WithFields(logrus.Fields{"ingredient_id": ing.ID, "lot_id": lot.ID}).WithError(err).
			Warn("purchase row failed, lot voided")
		return domain.PurchaseResult{}, err
	}

	l.log.WithFields(logrus.Fields{
		"ingredient_id": ing.ID,
		"lot_id":        lot.ID,
		"stock_qty":     stockQty.String(),
		"cost_per_unit": lot.CostPerUnit.String(),
	}).Info("purchase recorded")
	return domain.PurchaseResult{Purchase: purchase, Lot: lot}, nil
}

// lotTime places a lot on its purchase day at the recording time of day, so
// backdated purchases take their FIFO place among older lots.
func lotTime(date time.Time, now time.Time) time.Time {
	y, m, d := date.UTC().Date()
	return time.Date(y, m, d, now.Hour(), now.Minute(), now.Second(), now.Nanosecond(), time.UTC)
}

func civilDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// Record persists whatever documents a consumption while the ingredient
// locks are still held. An error from it undoes the lot updates.
type Record func(ctx context.Context, results []domain.ConsumptionResult) error

// Consume draws qty of one ingredient FIFO and commits the new remaining
// quantities, or changes nothing.
func (l *Ledger) Consume(ctx context.Context, ingredientID string, qty decimal.Decimal) (domain.ConsumptionResult, error) {
	results, err := l.ConsumeMany(ctx, []Requirement{{IngredientID: ingredientID, Qty: qty}})
	if err != nil {
		return domain.ConsumptionResult{}, err
	}
	return results[0], nil
}

// ConsumeMany draws every requirement under one set of locks. If any
// ingredient is short, no lot of any ingredient changes. Requirements naming
// the same ingredient are merged; results follow first-seen order.
func (l *Ledger) ConsumeMany(ctx context.Context, reqs []Requirement) ([]domain.ConsumptionResult, error) {
	return l.ConsumeAndRecord(ctx, reqs, nil)
}

// ConsumeAndRecord is ConsumeMany with a record step run inside the
// exclusive section after the lots are updated. When record fails the lots
// are restored to their prior quantities and its error is returned.
func (l *Ledger) ConsumeAndRecord(ctx context.Context, reqs []Requirement, record Record) ([]domain.ConsumptionResult, error) {
	merged, err := mergeRequirements(reqs)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(merged))
	for _, req := range merged {
		if _, _, err := l.catalog.Ingredient(ctx, req.IngredientID); err != nil {
			return nil, err
		}
		keys = append(keys, lockKey(req.IngredientID))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	held, err := l.locks.AcquireAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	wctx := context.WithoutCancel(ctx)
	defer l.release(wctx, held)

	results := make([]domain.ConsumptionResult, 0, len(merged))
	updates := make([]store.RowUpdate, 0, len(merged)*2)
	prior := make(map[string]store.Row)
	for _, req := range merged {
		lots, err := l.catalog.FreshLots(wctx, req.IngredientID)
		if err != nil {
			return nil, err
		}
		result, remaining, err := plan(req.IngredientID, lots, req.Qty)
		if err != nil {
			return nil, err
		}
		for _, lot := range lots {
			next, touched := remaining[lot.ID]
			if !touched {
				continue
			}
			prior[lot.ID] = store.EncodeLot(lot)
			updates = append(updates, store.RowUpdate{
				Key:    lot.ID,
				Fields: store.Row{"remaining_qty": next.String()},
			})
		}
		results = append(results, result)
	}

	if err := held.Refresh(wctx); err != nil {
		return nil, err
	}
	defer func() {
		for _, req := range merged {
			l.cache.Invalidate(wctx, catalog.LotsKey(req.IngredientID))
		}
	}()
	if err := store.ApplyUpdates(wctx, l.gw, store.TableLots, updates, prior); err != nil {
		return nil, fmt.Errorf("commit lot updates: %w", err)
	}

	if record != nil {
		if err := record(wctx, results); err != nil {
			return nil, l.restore(wctx, updates, prior, err)
		}
	}

	for _, result := range results {
		l.log.WithFields(logrus.Fields{
			"ingredient_id": result.IngredientID,
			"qty":           result.Requested.String(),
			"lots":          len(result.Draws),
			"total_cost":    result.TotalCost.String(),
		}).Debug("consumed")
	}
	return results, nil
}

// restore puts the remaining quantities recorded in prior back after a
// failed record step and returns cause, joined with any restore failure.
func (l *Ledger) restore(ctx context.Context, updates []store.RowUpdate, prior map[string]store.Row, cause error) error {
	back := make([]store.RowUpdate, 0, len(updates))
	applied := make(map[string]store.Row, len(updates))
	for _, upd := range updates {
		back = append(back, store.RowUpdate{
			Key:    upd.Key,
			Fields: store.Row{"remaining_qty": prior[upd.Key]["remaining_qty"]},
		})
		applied[upd.Key] = upd.Fields
	}
	if err := store.ApplyUpdates(ctx, l.gw, store.TableLots, back, applied); err != nil {
		l.log.WithField("lots", len(back)).WithError(err).Error("record failed and lots could not be restored")
		return errors.Join(cause, fmt.Errorf("restore lots: %w", err))
	}
	l.log.WithField("lots", len(back)).WithError(cause).Warn("record failed, lots restored")
	return cause
}

func mergeRequirements(reqs []Requirement) ([]Requirement, error) {
	if len(reqs) == 0 {
		return nil, domain.NewValidationError("requirements", "at least one ingredient is required")
	}
	index := make(map[string]int, len(reqs))
	out := make([]Requirement, 0, len(reqs))
	for _, req := range reqs {
		id := strings.TrimSpace(req.IngredientID)
		if id == "" {
			return nil, domain.NewValidationError("ingredient_id", "is required")
		}
		if !req.Qty.IsPositive() {
			return nil, domain.NewValidationError("qty", "must be > 0 for %s, got %s", id, req.Qty.String())
		}
		if i, ok := index[id]; ok {
			out[i].Qty = out[i].Qty.Add(req.Qty)
			continue
		}
		index[id] = len(out)
		out = append(out, Requirement{IngredientID: id, Qty: req.Qty})
	}
	return out, nil
}

// Preview prices qty FIFO over the cached lots. It takes no lock and
// mutates nothing.
func (l *Ledger) Preview(ctx context.Context, ingredientID string, qty decimal.Decimal) (domain.PricePreview, error) {
	if qty.IsNegative() {
		return domain.PricePreview{}, domain.NewValidationError("qty", "must be >= 0, got %s", qty.String())
	}
	if _, _, err := l.catalog.Ingredient(ctx, ingredientID); err != nil {
		return domain.PricePreview{}, err
	}
	lots, warnings, err := l.catalog.Lots(ctx, ingredientID)
	if err != nil {
		return domain.PricePreview{}, err
	}
	out := preview(ingredientID, lots, qty)
	out.Warnings = append(out.Warnings, warnings...)
	return out, nil
}

func (l *Ledger) Snapshot(ctx context.Context, ingredientID string) (domain.IngredientSnapshot, error) {
	ing, warnings, err := l.catalog.Ingredient(ctx, ingredientID)
	if err != nil {
		return domain.IngredientSnapshot{}, err
	}
	lots, lotWarnings, err := l.catalog.Lots(ctx, ingredientID)
	if err != nil {
		return domain.IngredientSnapshot{}, err
	}
	return snapshotOf(ing, lots, append(warnings, lotWarnings...)), nil
}

// Snapshots lists every ingredient with its stock position.
func (l *Ledger) Snapshots(ctx context.Context) ([]domain.IngredientSnapshot, error) {
	ingredients, warnings, err := l.catalog.Ingredients(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.IngredientSnapshot, 0, len(ingredients))
	for _, ing := range ingredients {
		lots, lotWarnings, err := l.catalog.Lots(ctx, ing.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, snapshotOf(ing, lots, append(append([]domain.Warning(nil), warnings...), lotWarnings...)))
	}
	return out, nil
}

func snapshotOf(ing domain.Ingredient, lots []domain.Lot, warnings []domain.Warning) domain.IngredientSnapshot {
	snap := domain.IngredientSnapshot{
		Ingredient: ing,
		Lots:       make([]domain.Lot, 0, len(lots)),
		Remaining:  decimal.Zero,
		StockValue: decimal.Zero,
		Warnings:   warnings,
	}
	for _, lot := range lots {
		if lot.Status() != domain.LotStatusActive {
			continue
		}
		snap.Lots = append(snap.Lots, lot)
		snap.Remaining = snap.Remaining.Add(lot.RemainingQty)
		snap.StockValue = snap.StockValue.Add(lot.RemainingQty.Mul(lot.CostPerUnit))
	}
	snap.LowStock = ing.MinStock.IsPositive() && snap.Remaining.LessThan(ing.MinStock)
	return snap
}

func (l *Ledger) invalidateIngredient(ctx context.Context, ingredientID string) {
	l.cache.Invalidate(ctx, catalog.LotsKey(ingredientID))
	l.cache.Invalidate(ctx, catalog.IngredientKey(ingredientID))
}

func (l *Ledger) release(ctx context.Context, held *lock.Held) {
	if err := held.Release(ctx); err != nil {
		l.log.WithError(err).Warn("release ingredient locks")
	}
}
