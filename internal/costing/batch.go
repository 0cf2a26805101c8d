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

type BatchInput struct {
	Date         time.Time
	MenuID       string
	PlanQty      int
	ActualQty    int
	WeightKg     decimal.Decimal
	Hours        decimal.Decimal
	CostCenterID string
	Committed    bool
}

// ComputeBatch costs a production run. A preview prices recipe lines from
// the current lots; a committed batch consumes them and is persisted while
// the ingredient locks are held.
func (e *Engine) ComputeBatch(ctx context.Context, in BatchInput) (domain.BatchCostResult, error) {
	if err := validateBatch(&in); err != nil {
		return domain.BatchCostResult{}, err
	}

	menu, warnings, err := e.catalog.Menu(ctx, in.MenuID)
	if err != nil {
		return domain.BatchCostResult{}, err
	}
	center, ccWarnings, err := e.catalog.CostCenter(ctx, in.CostCenterID)
	if err != nil {
		return domain.BatchCostResult{}, err
	}
	warnings = append(warnings, ccWarnings...)
	overheads, ohWarnings, err := e.catalog.Overheads(ctx)
	if err != nil {
		return domain.BatchCostResult{}, err
	}
	warnings = append(warnings, ohWarnings...)
	lines, recipeWarnings, err := e.catalog.Recipe(ctx, menu.ID)
	if err != nil {
		return domain.BatchCostResult{}, err
	}
	warnings = append(warnings, recipeWarnings...)
	if len(lines) == 0 {
		warnings = append(warnings, emptyRecipeWarning(menu.ID))
	}

	plan := decimal.NewFromInt(int64(in.PlanQty))
	overheadCost := decimal.Zero
	for _, oh := range overheads {
		switch oh.Kind {
		case domain.OverheadPerHour:
			overheadCost = overheadCost.Add(oh.Rate.Mul(in.Hours))
		case domain.OverheadPerKg:
			overheadCost = overheadCost.Add(oh.Rate.Mul(in.WeightKg))
		}
	}
	packaging := menu.PackagingCost.Mul(plan)
	labor := in.Hours.Mul(center.HourlyRate)
	serves := in.ActualQty
	if serves < 1 {
		serves = 1
	}

	date := in.Date
	if date.IsZero() {
		date = e.now()
	}
	batch := domain.Batch{
		Date:          date.UTC(),
		MenuID:        menu.ID,
		PlanQty:       in.PlanQty,
		ActualQty:     in.ActualQty,
		WeightKg:      in.WeightKg,
		Hours:         in.Hours,
		CostCenterID:  center.ID,
		PackagingCost: packaging,
		LaborCost:     labor,
		OverheadCost:  overheadCost,
		Status:        domain.BatchStatusPlanned,
	}
	price := func(recipeCost decimal.Decimal) {
		batch.RecipeCost = recipeCost
		batch.TotalCost = recipeCost.Add(packaging).Add(labor).Add(overheadCost)
		batch.PerServeCost = batch.TotalCost.Div(decimal.NewFromInt(int64(serves)))
	}

	if !in.Committed {
		_, perServe, lineWarnings, err := e.priceLines(ctx, lines, decimal.NewFromInt(1))
		if err != nil {
			return domain.BatchCostResult{}, err
		}
		warnings = append(warnings, lineWarnings...)
		price(perServe.Mul(plan))
		return domain.BatchCostResult{
			Batch:    batch,
			Variance: in.ActualQty - in.PlanQty,
			Warnings: dedupeWarnings(warnings),
		}, nil
	}

	batch.ID = xid.New("batch")
	batch.Status = domain.BatchStatusCommitted
	book := func(ctx context.Context, consumptions []domain.ConsumptionResult) error {
		price(consumptionTotal(consumptions))
		if err := e.gw.AppendRow(ctx, store.TableBatches, store.EncodeBatch(batch)); err != nil {
			return fmt.Errorf("append batch %s: %w", batch.ID, err)
		}
		return nil
	}
	var consumptions []domain.ConsumptionResult
	if len(lines) == 0 {
		err = book(context.WithoutCancel(ctx), nil)
	} else {
		consumptions, err = e.inventory.ConsumeAndRecord(ctx, requirements(lines, plan), book)
	}
	if err != nil {
		return domain.BatchCostResult{}, err
	}
	e.log.WithFields(logrus.Fields{
		"batch_id":   batch.ID,
		"menu_id":    menu.ID,
		"plan_qty":   batch.PlanQty,
		"total_cost": batch.TotalCost.String(),
	}).Info("batch committed")

	return domain.BatchCostResult{
		Batch:        batch,
		Variance:     in.ActualQty - in.PlanQty,
		Consumptions: consumptions,
		Warnings:     dedupeWarnings(warnings),
	}, nil
}

func validateBatch(in *BatchInput) error {
	in.MenuID = strings.TrimSpace(in.MenuID)
	in.CostCenterID = strings.TrimSpace(in.CostCenterID)
	switch {
	case in.MenuID == "":
		return domain.NewValidationError("menu_id", "is required")
	case in.CostCenterID == "":
		return domain.NewValidationError("cost_center_id", "is required")
	case in.PlanQty <= 0:
		return domain.NewValidationError("plan_qty", "must be > 0, got %d", in.PlanQty)
	case in.ActualQty < 0:
		return domain.NewValidationError("actual_qty", "must be >= 0, got %d", in.ActualQty)
	case in.WeightKg.IsNegative():
		return domain.NewValidationError("weight_kg", "must be >= 0, got %s", in.WeightKg.String())
	case in.Hours.IsNegative():
		return domain.NewValidationError("hours", "must be >= 0, got %s", in.Hours.String())
	}
	return nil
}
