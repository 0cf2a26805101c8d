package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"restocost/backend/internal/domain"
	"restocost/backend/internal/store"
)

// Store keeps every logical table in process memory. Rows are cloned on the
// way in and out so callers never share maps with the store.
type Store struct {
	mu     sync.RWMutex
	tables map[string][]store.Row
	index  map[string]map[string]int
}

func New() *Store {
	s := &Store{
		tables: make(map[string][]store.Row),
		index:  make(map[string]map[string]int),
	}
	for _, table := range store.Tables() {
		s.tables[table] = make([]store.Row, 0, 16)
		s.index[table] = make(map[string]int)
	}
	return s
}

// NewSeeded returns a store loaded with a small demo kitchen.
func NewSeeded() *Store {
	s := New()
	d := decimal.RequireFromString
	day := func(v string) time.Time {
		t, _ := time.Parse(domain.DateLayout, v)
		return t
	}

	ingredients := []domain.Ingredient{
		{ID: "lime", Name: "Lime", StockUnit: "pc", BuyUnit: "pc", Ratio: d("1"), MinStock: d("10")},
		{ID: "rice", Name: "Jasmine Rice", StockUnit: "g", BuyUnit: "kg", Ratio: d("1000"), MinStock: d("5000")},
		{ID: "chicken", Name: "Chicken Thigh", StockUnit: "g", BuyUnit: "kg", Ratio: d("1000"), MinStock: d("3000")},
		{ID: "coconut-milk", Name: "Coconut Milk", StockUnit: "ml", BuyUnit: "l", Ratio: d("1000"), MinStock: d("2000")},
		{ID: "chili", Name: "Chili Paste", StockUnit: "g", BuyUnit: "jar", Ratio: d("500"), MinStock: d("500")},
		{ID: "box", Name: "Takeaway Box", StockUnit: "pc", BuyUnit: "pack", Ratio: d("50"), MinStock: d("50")},
	}
	lots := []domain.Lot{
		{ID: "lot-lime-0001", IngredientID: "lime", CreatedAt: day("2024-01-01"), InitialQty: d("10"), RemainingQty: d("10"), CostPerUnit: d("2.0")},
		{ID: "lot-lime-0002", IngredientID: "lime", CreatedAt: day("2024-01-05"), InitialQty: d("20"), RemainingQty: d("20"), CostPerUnit: d("2.5")},
		{ID: "lot-rice-0001", IngredientID: "rice", CreatedAt: day("2024-01-02"), InitialQty: d("25000"), RemainingQty: d("25000"), CostPerUnit: d("0.004")},
		{ID: "lot-chicken-0001", IngredientID: "chicken", CreatedAt: day("2024-01-03"), InitialQty: d("10000"), RemainingQty: d("10000"), CostPerUnit: d("0.022")},
		{ID: "lot-coconut-milk-0001", IngredientID: "coconut-milk", CreatedAt: day("2024-01-03"), InitialQty: d("6000"), RemainingQty: d("6000"), CostPerUnit: d("0.008")},
		{ID: "lot-chili-0001", IngredientID: "chili", CreatedAt: day("2024-01-04"), InitialQty: d("1500"), RemainingQty: d("1500"), CostPerUnit: d("0.02")},
	}
	menus := []domain.Menu{
		{ID: "nasi-lemak", Name: "Nasi Lemak Ayam", Category: "rice", Active: true, Price: decimal.NewNullDecimal(d("12.90")), PackagingCost: d("0.60")},
		{ID: "lime-juice", Name: "Fresh Lime Juice", Category: "drinks", Active: true, Price: decimal.NewNullDecimal(d("4.50")), PackagingCost: d("0.20")},
		{ID: "sambal-special", Name: "Sambal Special", Category: "rice", Active: false, PackagingCost: d("0.60")},
	}
	recipes := []domain.RecipeLine{
		{MenuID: "nasi-lemak", IngredientID: "rice", QtyPerServe: d("180")},
		{MenuID: "nasi-lemak", IngredientID: "chicken", QtyPerServe: d("150")},
		{MenuID: "nasi-lemak", IngredientID: "coconut-milk", QtyPerServe: d("40")},
		{MenuID: "nasi-lemak", IngredientID: "chili", QtyPerServe: d("25")},
		{MenuID: "lime-juice", IngredientID: "lime", QtyPerServe: d("2")},
		{MenuID: "sambal-special", IngredientID: "chili", QtyPerServe: d("60")},
	}
	costCenters := []domain.CostCenter{
		{ID: "kitchen", Name: "Kitchen Crew", HourlyRate: d("18.50")},
		{ID: "bar", Name: "Drinks Bar", HourlyRate: d("15.00")},
	}
	overheads := []domain.Overhead{
		{ID: "utilities", Name: "Gas and Electricity", Kind: domain.OverheadPerHour, Rate: d("6.00")},
		{ID: "cold-room", Name: "Cold Room", Kind: domain.OverheadPerKg, Rate: d("0.35")},
		{ID: "rent", Name: "Rent Allocation", Kind: domain.OverheadPerServe, Rate: d("0.80")},
	}

	ctx := context.Background()
	for _, ing := range ingredients {
		s.mustAppend(ctx, store.TableIngredients, store.EncodeIngredient(ing))
	}
	for _, lot := range lots {
		s.mustAppend(ctx, store.TableLots, store.EncodeLot(lot))
	}
	for _, m := range menus {
		s.mustAppend(ctx, store.TableMenus, store.EncodeMenu(m))
	}
	for _, line := range recipes {
		s.mustAppend(ctx, store.TableMenuRecipes, store.EncodeRecipeLine(line))
	}
	for _, cc := range costCenters {
		s.mustAppend(ctx, store.TableCostCenters, store.EncodeCostCenter(cc))
	}
	for _, oh := range overheads {
		s.mustAppend(ctx, store.TableOverheads, store.EncodeOverhead(oh))
	}
	return s
}

func (s *Store) mustAppend(ctx context.Context, table string, row store.Row) {
	if err := s.AppendRow(ctx, table, row); err != nil {
		panic(fmt.Sprintf("memory store seed %s: %v", table, err))
	}
}

func (s *Store) ReadTable(_ context.Context, table string) ([]store.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownTable, table)
	}
	out := make([]store.Row, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out, nil
}

func (s *Store) AppendRow(_ context.Context, table string, row store.Row) error {
	if err := store.CheckColumns(table, row); err != nil {
		return err
	}
	key, err := store.RowKey(table, row)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[table][key]; exists {
		return fmt.Errorf("%w: %s/%s", store.ErrDuplicateKey, table, key)
	}
	s.index[table][key] = len(s.tables[table])
	s.tables[table] = append(s.tables[table], row.Clone())
	return nil
}

func (s *Store) UpdateRow(ctx context.Context, table string, rowKey string, fields store.Row) error {
	return s.UpdateRows(ctx, table, []store.RowUpdate{{Key: rowKey, Fields: fields}})
}

// UpdateRows validates every update before touching any row.
func (s *Store) UpdateRows(_ context.Context, table string, updates []store.RowUpdate) error {
	keyCol, err := store.KeyColumn(table)
	if err != nil {
		return err
	}
	for _, upd := range updates {
		if err := store.CheckColumns(table, upd.Fields); err != nil {
			return err
		}
		if newKey, ok := upd.Fields[keyCol]; ok && newKey != upd.Key {
			return fmt.Errorf("%w: %s key column is immutable", store.ErrInvalidUpdate, table)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make([]int, len(updates))
	for i, upd := range updates {
		pos, ok := s.index[table][upd.Key]
		if !ok {
			return store.NotFoundError{Table: table, Key: upd.Key}
		}
		positions[i] = pos
	}
	for i, upd := range updates {
		row := s.tables[table][positions[i]]
		for col, val := range upd.Fields {
			row[col] = val
		}
	}
	return nil
}
