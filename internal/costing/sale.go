package costing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"restocost/backend/internal/domain"
	"restocost/backend/internal/store"
	"restocost/backend/internal/xid"
)

type SaleInput struct {
	Date      time.Time
	Platform  string
	MenuID    string
	Qty       int
	UnitPrice decimal.NullDecimal
}

// RecordSale depletes the lots behind every recipe line of the sold menu and
// books COGS from the actual FIFO draws. A shortage on any line rejects the
// whole sale before any lot changes, and the sale row is written before the
// ingredient locks are released.
func (e *Engine) RecordSale(ctx context.Context, in SaleInput) (domain.SaleResult, error) {
	in.Platform = strings.TrimSpace(in.Platform)
	if in.Qty <= 0 {
		return domain.SaleResult{}, domain.NewValidationError("qty", "must be > 0, got %d", in.Qty)
	}
	if in.Platform == "" {
		return domain.SaleResult{}, domain.NewValidationError("platform", "is required")
	}

	menu, warnings, err := e.catalog.Menu(ctx, in.MenuID)
	if err != nil {
		return domain.SaleResult{}, err
	}
	if !menu.Active {
		return domain.SaleResult{}, domain.NewValidationError("menu_id", "menu %s is not active", menu.ID)
	}

	unitPrice := in.UnitPrice
	if !unitPrice.Valid {
		unitPrice = menu.Price
	}
	if !unitPrice.Valid {
		return domain.SaleResult{}, domain.NewValidationError("unit_price", "menu %s has no listed price", menu.ID)
	}
	if unitPrice.Decimal.IsNegative() {
		return domain.SaleResult{}, domain.NewValidationError("unit_price", "must be >= 0, got %s", unitPrice.Decimal.String())
	}

	lines, recipeWarnings, err := e.catalog.Recipe(ctx, menu.ID)
	if err != nil {
		return domain.SaleResult{}, err
	}
	warnings = append(warnings, recipeWarnings...)

	qty := decimal.NewFromInt(int64(in.Qty))
	date := in.Date
	if date.IsZero() {
		date = e.now()
	}
	revenue := unitPrice.Decimal.Mul(qty)
	sale := domain.Sale{
		ID:        xid.New("sale"),
		Date:      date.UTC(),
		Platform:  in.Platform,
		MenuID:    menu.ID,
		Qty:       in.Qty,
		UnitPrice: unitPrice.Decimal,
		Revenue:   revenue,
		COGS:      decimal.Zero,
		Profit:    revenue,
	}
	book := func(ctx context.Context, consumptions []domain.ConsumptionResult) error {
		sale.COGS = consumptionTotal(consumptions)
		sale.Profit = revenue.Sub(sale.COGS)
		sale.Lines = saleLines(consumptions)
		if err := e.gw.AppendRow(ctx, store.TableSales, store.EncodeSale(sale)); err != nil {
			return fmt.Errorf("append sale %s: %w", sale.ID, err)
		}
		return nil
	}

	var consumptions []domain.ConsumptionResult
	if len(lines) == 0 {
		warnings = append(warnings, emptyRecipeWarning(menu.ID))
		err = book(context.WithoutCancel(ctx), nil)
	} else {
		consumptions, err = e.inventory.ConsumeAndRecord(ctx, requirements(lines, qty), book)
	}
	if err != nil {
		return domain.SaleResult{}, err
	}

	e.log.WithFields(logrus.Fields{
		"sale_id":  sale.ID,
		"menu_id":  menu.ID,
		"qty":      sale.Qty,
		"cogs":     sale.COGS.String(),
		"platform": sale.Platform,
	}).Info("sale recorded")
	return domain.SaleResult{Sale: sale, Consumptions: consumptions, Warnings: dedupeWarnings(warnings)}, nil
}

func saleLines(consumptions []domain.ConsumptionResult) []domain.SaleLine {
	if len(consumptions) == 0 {
		return nil
	}
	out := make([]domain.SaleLine, 0, len(consumptions))
	for _, c := range consumptions {
		out = append(out, domain.SaleLine{IngredientID: c.IngredientID, Qty: c.Requested, Cost: c.TotalCost})
	}
	return out
}

// ListSales returns sales dated within [from, to], both days inclusive. A
// zero bound is open.
func (e *Engine) ListSales(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	rows, err := e.gw.ReadTable(ctx, store.TableSales)
	if err != nil {
		return nil, err
	}
	all, err := store.DecodeAll(rows, store.DecodeSale)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Sale, 0, len(all))
	for _, s := range all {
		day := s.Date.UTC().Truncate(24 * time.Hour)
		if !from.IsZero() && day.Before(from.UTC().Truncate(24*time.Hour)) {
			continue
		}
		if !to.IsZero() && day.After(to.UTC().Truncate(24*time.Hour)) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
