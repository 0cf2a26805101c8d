package costing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"restocost/backend/internal/catalog"
	"restocost/backend/internal/domain"
	"restocost/backend/internal/ledger"
	"restocost/backend/internal/logging"
	"restocost/backend/internal/store"
)

// Inventory is the part of the lot ledger costing depends on.
type Inventory interface {
	Preview(ctx context.Context, ingredientID string, qty decimal.Decimal) (domain.PricePreview, error)
	ConsumeAndRecord(ctx context.Context, reqs []ledger.Requirement, record ledger.Record) ([]domain.ConsumptionResult, error)
}

// Engine prices menus, records sales and costs production batches.
type Engine struct {
	gw        store.Gateway
	catalog   *catalog.Reader
	inventory Inventory
	now       func() time.Time
	log       *logrus.Entry
}

type Options struct {
	Now    func() time.Time
	Logger logrus.FieldLogger
}

func New(gw store.Gateway, reader *catalog.Reader, inventory Inventory, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		gw:        gw,
		catalog:   reader,
		inventory: inventory,
		now:       opts.Now,
		log:       logging.Component(opts.Logger, "costing"),
	}
}

var hundred = decimal.NewFromInt(100)

// priceLines previews the cost of every recipe line scaled by serves.
// Unknown ingredients and unpriced lines become warnings.
func (e *Engine) priceLines(ctx context.Context, lines []domain.RecipeLine, serves decimal.Decimal) ([]domain.MenuCostLine, decimal.Decimal, []domain.Warning, error) {
	out := make([]domain.MenuCostLine, 0, len(lines))
	total := decimal.Zero
	var warnings []domain.Warning

	for _, line := range lines {
		qty := line.QtyPerServe.Mul(serves)
		costLine := domain.MenuCostLine{IngredientID: line.IngredientID, Qty: qty}

		ing, ingWarnings, err := e.catalog.Ingredient(ctx, line.IngredientID)
		var missing domain.MissingIngredientError
		if errors.As(err, &missing) {
			warnings = append(warnings, domain.Warning{
				Code:     domain.WarningMissingIngredient,
				EntityID: line.IngredientID,
				Message:  missing.Error(),
			})
			out = append(out, costLine)
			continue
		}
		if err != nil {
			return nil, decimal.Zero, nil, err
		}
		costLine.Name = ing.Name
		warnings = append(warnings, ingWarnings...)

		p, err := e.inventory.Preview(ctx, line.IngredientID, qty)
		if err != nil {
			return nil, decimal.Zero, nil, err
		}
		warnings = append(warnings, p.Warnings...)
		if p.Priced {
			costLine.Priced = true
			costLine.UnitCost = p.UnitCost
			costLine.LineCost = p.TotalCost
			total = total.Add(p.TotalCost)
		}
		out = append(out, costLine)
	}
	return out, total, warnings, nil
}

func consumptionTotal(results []domain.ConsumptionResult) decimal.Decimal {
	total := decimal.Zero
	for _, r := range results {
		total = total.Add(r.TotalCost)
	}
	return total
}

func requirements(lines []domain.RecipeLine, serves decimal.Decimal) []ledger.Requirement {
	reqs := make([]ledger.Requirement, 0, len(lines))
	for _, line := range lines {
		reqs = append(reqs, ledger.Requirement{IngredientID: line.IngredientID, Qty: line.QtyPerServe.Mul(serves)})
	}
	return reqs
}

func dedupeWarnings(in []domain.Warning) []domain.Warning {
	out := make([]domain.Warning, 0, len(in))
	seen := make(map[domain.Warning]struct{}, len(in))
	for _, w := range in {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func emptyRecipeWarning(menuID string) domain.Warning {
	return domain.Warning{Code: domain.WarningEmptyRecipe, EntityID: menuID, Message: "empty recipe: " + menuID}
}
