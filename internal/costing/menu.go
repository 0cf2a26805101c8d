package costing

import (
	"context"

	"github.com/shopspring/decimal"

	"restocost/backend/internal/domain"
)

// ComputeMenuCost prices one serve of a menu from the current lots without
// consuming anything. targetGP must be in [0, 1).
func (e *Engine) ComputeMenuCost(ctx context.Context, menuID string, targetGP decimal.Decimal) (domain.MenuCostResult, error) {
	if targetGP.IsNegative() || targetGP.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return domain.MenuCostResult{}, domain.NewValidationError("target_gp", "must be in [0, 1), got %s", targetGP.String())
	}

	menu, warnings, err := e.catalog.Menu(ctx, menuID)
	if err != nil {
		return domain.MenuCostResult{}, err
	}
	lines, recipeWarnings, err := e.catalog.Recipe(ctx, menu.ID)
	if err != nil {
		return domain.MenuCostResult{}, err
	}
	warnings = append(warnings, recipeWarnings...)
	if len(lines) == 0 {
		warnings = append(warnings, emptyRecipeWarning(menu.ID))
	}

	costLines, ingredientCost, lineWarnings, err := e.priceLines(ctx, lines, decimal.NewFromInt(1))
	if err != nil {
		return domain.MenuCostResult{}, err
	}
	warnings = append(warnings, lineWarnings...)

	overheads, ohWarnings, err := e.catalog.Overheads(ctx)
	if err != nil {
		return domain.MenuCostResult{}, err
	}
	warnings = append(warnings, ohWarnings...)
	overheadCost := decimal.Zero
	for _, oh := range overheads {
		if oh.Kind == domain.OverheadPerServe {
			overheadCost = overheadCost.Add(oh.Rate)
		}
	}

	total := ingredientCost.Add(menu.PackagingCost).Add(overheadCost)
	result := domain.MenuCostResult{
		MenuID:         menu.ID,
		MenuName:       menu.Name,
		TargetGP:       targetGP,
		Lines:          costLines,
		IngredientCost: ingredientCost,
		PackagingCost:  menu.PackagingCost,
		OverheadCost:   overheadCost,
		TotalCost:      total,
		SuggestedPrice: total.Div(decimal.NewFromInt(1).Sub(targetGP)),
		ListedPrice:    menu.Price,
		Warnings:       dedupeWarnings(warnings),
	}
	if menu.Price.Valid && menu.Price.Decimal.IsPositive() {
		result.FoodCostPct = decimal.NewNullDecimal(total.Div(menu.Price.Decimal).Mul(hundred).Round(2))
	}
	return result, nil
}
