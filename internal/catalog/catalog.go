package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"restocost/backend/internal/cache"
	"restocost/backend/internal/domain"
	"restocost/backend/internal/store"
)

const (
	KeyIngredients = "ingredients"
	KeyMenus       = "menus"
	KeyCostCenters = "cost_centers"
	KeyOverheads   = "overheads"
)

func IngredientKey(id string) string { return "ingredient:" + id }
func LotsKey(ingredientID string) string { return "lots:" + ingredientID }
func MenuKey(id string) string { return "menu:" + id }
func RecipeKey(menuID string) string { return "recipe:" + menuID }

// IsPermanent reports load errors that retrying cannot fix. The cache passes
// them through verbatim instead of serving stale data.
func IsPermanent(err error) bool {
	return errors.Is(err, store.ErrMalformedRow) ||
		errors.Is(err, store.ErrUnknownTable) ||
		errors.Is(err, store.ErrNotFound) ||
		domain.IsBusinessRule(err)
}

// Reader serves typed snapshots of the store's tables through the cache.
// Returned slices are copies; cached values are never mutated.
type Reader struct {
	gw    store.Gateway
	cache *cache.Cache
	ttl   time.Duration
}

func NewReader(gw store.Gateway, c *cache.Cache, ttl time.Duration) *Reader {
	return &Reader{gw: gw, cache: c, ttl: ttl}
}

func readAll[T any](ctx context.Context, gw store.Gateway, table string, decode func(store.Row) (T, error)) ([]T, error) {
	rows, err := gw.ReadTable(ctx, table)
	if err != nil {
		return nil, err
	}
	return store.DecodeAll(rows, decode)
}

func (r *Reader) Ingredients(ctx context.Context) ([]domain.Ingredient, []domain.Warning, error) {
	list, warnings, err := cache.Get(ctx, r.cache, KeyIngredients, r.ttl, func(ctx context.Context) ([]domain.Ingredient, error) {
		return readAll(ctx, r.gw, store.TableIngredients, store.DecodeIngredient)
	})
	if err != nil {
		return nil, nil, err
	}
	return append([]domain.Ingredient(nil), list...), warnings, nil
}

func (r *Reader) Ingredient(ctx context.Context, id string) (domain.Ingredient, []domain.Warning, error) {
	return cache.Get(ctx, r.cache, IngredientKey(id), r.ttl, func(ctx context.Context) (domain.Ingredient, error) {
		list, err := readAll(ctx, r.gw, store.TableIngredients, store.DecodeIngredient)
		if err != nil {
			return domain.Ingredient{}, err
		}
		for _, ing := range list {
			if ing.ID == id {
				return ing, nil
			}
		}
		return domain.Ingredient{}, domain.MissingIngredientError{IngredientID: id}
	})
}

func (r *Reader) loadLots(ingredientID string) func(context.Context) ([]domain.Lot, error) {
	return func(ctx context.Context) ([]domain.Lot, error) {
		all, err := readAll(ctx, r.gw, store.TableLots, store.DecodeLot)
		if err != nil {
			return nil, err
		}
		lots := make([]domain.Lot, 0, 8)
		for _, lot := range all {
			if lot.IngredientID == ingredientID {
				lots = append(lots, lot)
			}
		}
		SortFIFO(lots)
		return lots, nil
	}
}

// Lots returns every lot of the ingredient, oldest first, depleted included.
func (r *Reader) Lots(ctx context.Context, ingredientID string) ([]domain.Lot, []domain.Warning, error) {
	lots, warnings, err := cache.Get(ctx, r.cache, LotsKey(ingredientID), r.ttl, r.loadLots(ingredientID))
	if err != nil {
		return nil, nil, err
	}
	return append([]domain.Lot(nil), lots...), warnings, nil
}

// FreshLots bypasses any cached copy and never falls back to stale data.
// Callers holding the ingredient lock use it to read the state they write.
func (r *Reader) FreshLots(ctx context.Context, ingredientID string) ([]domain.Lot, error) {
	res, err := r.cache.Reload(ctx, LotsKey(ingredientID), r.ttl, func(ctx context.Context) (any, error) {
		return r.loadLots(ingredientID)(ctx)
	})
	if err != nil {
		return nil, err
	}
	lots, ok := res.Value.([]domain.Lot)
	if !ok {
		return nil, fmt.Errorf("cache entry %s holds %T", LotsKey(ingredientID), res.Value)
	}
	return append([]domain.Lot(nil), lots...), nil
}

func (r *Reader) Menus(ctx context.Context) ([]domain.Menu, []domain.Warning, error) {
	list, warnings, err := cache.Get(ctx, r.cache, KeyMenus, r.ttl, func(ctx context.Context) ([]domain.Menu, error) {
		return readAll(ctx, r.gw, store.TableMenus, store.DecodeMenu)
	})
	if err != nil {
		return nil, nil, err
	}
	return append([]domain.Menu(nil), list...), warnings, nil
}

func (r *Reader) Menu(ctx context.Context, id string) (domain.Menu, []domain.Warning, error) {
	return cache.Get(ctx, r.cache, MenuKey(id), r.ttl, func(ctx context.Context) (domain.Menu, error) {
		list, err := readAll(ctx, r.gw, store.TableMenus, store.DecodeMenu)
		if err != nil {
			return domain.Menu{}, err
		}
		for _, m := range list {
			if m.ID == id {
				return m, nil
			}
		}
		return domain.Menu{}, store.NotFoundError{Table: store.TableMenus, Key: id}
	})
}

// Recipe returns the bill of materials of a menu in table order.
func (r *Reader) Recipe(ctx context.Context, menuID string) ([]domain.RecipeLine, []domain.Warning, error) {
	lines, warnings, err := cache.Get(ctx, r.cache, RecipeKey(menuID), r.ttl, func(ctx context.Context) ([]domain.RecipeLine, error) {
		all, err := readAll(ctx, r.gw, store.TableMenuRecipes, store.DecodeRecipeLine)
		if err != nil {
			return nil, err
		}
		out := make([]domain.RecipeLine, 0, 8)
		for _, line := range all {
			if line.MenuID == menuID {
				out = append(out, line)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return append([]domain.RecipeLine(nil), lines...), warnings, nil
}

func (r *Reader) CostCenter(ctx context.Context, id string) (domain.CostCenter, []domain.Warning, error) {
	list, warnings, err := cache.Get(ctx, r.cache, KeyCostCenters, r.ttl, func(ctx context.Context) ([]domain.CostCenter, error) {
		return readAll(ctx, r.gw, store.TableCostCenters, store.DecodeCostCenter)
	})
	if err != nil {
		return domain.CostCenter{}, nil, err
	}
	for _, cc := range list {
		if cc.ID == id {
			return cc, warnings, nil
		}
	}
	return domain.CostCenter{}, warnings, domain.NewValidationError("cost_center_id", "unknown cost center %q", id)
}

func (r *Reader) Overheads(ctx context.Context) ([]domain.Overhead, []domain.Warning, error) {
	list, warnings, err := cache.Get(ctx, r.cache, KeyOverheads, r.ttl, func(ctx context.Context) ([]domain.Overhead, error) {
		return readAll(ctx, r.gw, store.TableOverheads, store.DecodeOverhead)
	})
	if err != nil {
		return nil, nil, err
	}
	return append([]domain.Overhead(nil), list...), warnings, nil
}

// SortFIFO orders lots by creation time, then by id.
func SortFIFO(lots []domain.Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].CreatedAt.Equal(lots[j].CreatedAt) {
			return lots[i].CreatedAt.Before(lots[j].CreatedAt)
		}
		return lots[i].ID < lots[j].ID
	})
}
