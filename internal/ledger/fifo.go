package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"restocost/backend/internal/domain"
)

// plan draws qty from lots oldest first. lots must already be FIFO-sorted.
// It returns the draws and the new remaining quantity per touched lot, or
// InsufficientStockError without touching anything.
func plan(ingredientID string, lots []domain.Lot, qty decimal.Decimal) (domain.ConsumptionResult, map[string]decimal.Decimal, error) {
	available := decimal.Zero
	for _, lot := range lots {
		if lot.RemainingQty.IsPositive() {
			available = available.Add(lot.RemainingQty)
		}
	}
	if available.LessThan(qty) {
		return domain.ConsumptionResult{}, nil, domain.InsufficientStockError{
			IngredientID: ingredientID,
			Requested:    qty,
			Available:    available,
		}
	}

	result := domain.ConsumptionResult{IngredientID: ingredientID, Requested: qty, TotalCost: decimal.Zero}
	remaining := make(map[string]decimal.Decimal)
	need := qty
	for _, lot := range lots {
		if !need.IsPositive() {
			break
		}
		if !lot.RemainingQty.IsPositive() {
			continue
		}
		take := decimal.Min(need, lot.RemainingQty)
		cost := take.Mul(lot.CostPerUnit)
		result.Draws = append(result.Draws, domain.LotDraw{
			LotID:       lot.ID,
			Qty:         take,
			CostPerUnit: lot.CostPerUnit,
			Cost:        cost,
		})
		result.TotalCost = result.TotalCost.Add(cost)
		remaining[lot.ID] = lot.RemainingQty.Sub(take)
		need = need.Sub(take)
	}
	result.UnitCost = result.TotalCost.Div(qty)
	return result, remaining, nil
}

// preview prices qty against the lots without consuming them. A shortfall is
// priced at the newest lot's cost and flagged; no active lot at all means
// the ingredient has no price.
func preview(ingredientID string, lots []domain.Lot, qty decimal.Decimal) domain.PricePreview {
	out := domain.PricePreview{IngredientID: ingredientID, Qty: qty, Available: decimal.Zero}

	var oldest, newest *domain.Lot
	need := qty
	total := decimal.Zero
	for i := range lots {
		lot := lots[i]
		if !lot.RemainingQty.IsPositive() {
			continue
		}
		if oldest == nil {
			oldest = &lots[i]
		}
		newest = &lots[i]
		out.Available = out.Available.Add(lot.RemainingQty)
		if need.IsPositive() {
			take := decimal.Min(need, lot.RemainingQty)
			total = total.Add(take.Mul(lot.CostPerUnit))
			need = need.Sub(take)
		}
	}

	if newest == nil {
		out.Warnings = append(out.Warnings, domain.Warning{
			Code:     domain.WarningMissingPrice,
			EntityID: ingredientID,
			Message:  domain.MissingPriceDataError{IngredientID: ingredientID}.Error(),
		})
		return out
	}
	if need.IsPositive() {
		total = total.Add(need.Mul(newest.CostPerUnit))
		out.Warnings = append(out.Warnings, domain.Warning{
			Code:     domain.WarningShortStock,
			EntityID: ingredientID,
			Message: fmt.Sprintf("short stock: %s needs %s, %s available",
				ingredientID, qty.String(), out.Available.String()),
		})
	}

	out.Priced = true
	out.TotalCost = total
	if qty.IsPositive() {
		out.UnitCost = total.Div(qty)
	} else {
		out.UnitCost = oldest.CostPerUnit
	}
	return out
}
