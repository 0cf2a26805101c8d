package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrMalformedRow  = errors.New("malformed row")
	ErrUnknownTable  = errors.New("unknown table")
	ErrDuplicateKey  = errors.New("duplicate key")
	ErrInvalidUpdate = errors.New("invalid update")
)

const (
	TableIngredients = "ingredients"
	TableLots        = "lots"
	TablePurchases   = "purchases"
	TableMenus       = "menus"
	TableMenuRecipes = "menu_recipes"
	TableBatches     = "batches"
	TableSales       = "sales"
	TableCostCenters = "cost_centers"
	TableOverheads   = "overheads"
)

// NotFoundError names the missing row. It matches ErrNotFound.
type NotFoundError struct {
	Table string
	Key   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s not found", e.Table, e.Key)
}

func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Row is one record of a logical table: column name to scalar text.
type Row map[string]string

func (r Row) Clone() Row {
	dup := make(Row, len(r))
	for k, v := range r {
		dup[k] = v
	}
	return dup
}

// RowUpdate replaces the given columns of the row identified by Key.
type RowUpdate struct {
	Key    string
	Fields Row
}

// Gateway reads and writes rows of the external table store. It carries no
// business logic and guarantees nothing about ordering beyond append order.
type Gateway interface {
	ReadTable(ctx context.Context, table string) ([]Row, error)
	AppendRow(ctx context.Context, table string, row Row) error
	UpdateRow(ctx context.Context, table string, rowKey string, fields Row) error
}

// BatchWriter is implemented by gateways that can apply several row updates
// to one table all-or-nothing.
type BatchWriter interface {
	UpdateRows(ctx context.Context, table string, updates []RowUpdate) error
}

var tableKeys = map[string]string{
	TableIngredients: "id",
	TableLots:        "id",
	TablePurchases:   "id",
	TableMenus:       "id",
	TableMenuRecipes: "key",
	TableBatches:     "id",
	TableSales:       "id",
	TableCostCenters: "id",
	TableOverheads:   "id",
}

// KeyColumn returns the column that identifies a row of table.
func KeyColumn(table string) (string, error) {
	col, ok := tableKeys[table]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return col, nil
}

// RowKey extracts the key of row for table.
func RowKey(table string, row Row) (string, error) {
	col, err := KeyColumn(table)
	if err != nil {
		return "", err
	}
	key := row[col]
	if key == "" {
		return "", fmt.Errorf("%w: %s row without %s", ErrMalformedRow, table, col)
	}
	return key, nil
}

// Tables lists every logical table the gateways must know.
func Tables() []string {
	return []string{
		TableIngredients,
		TableLots,
		TablePurchases,
		TableMenus,
		TableMenuRecipes,
		TableBatches,
		TableSales,
		TableCostCenters,
		TableOverheads,
	}
}

// ApplyUpdates applies updates through the gateway. Gateways implementing
// BatchWriter apply them atomically; otherwise they are written one by one and
// already-written rows are restored from prior when a later write fails.
func ApplyUpdates(ctx context.Context, gw Gateway, table string, updates []RowUpdate, prior map[string]Row) error {
	if len(updates) == 0 {
		return nil
	}
	if bw, ok := gw.(BatchWriter); ok {
		return bw.UpdateRows(ctx, table, updates)
	}

	for i, upd := range updates {
		if err := gw.UpdateRow(ctx, table, upd.Key, upd.Fields); err != nil {
			for j := i - 1; j >= 0; j-- {
				old, ok := prior[updates[j].Key]
				if !ok {
					continue
				}
				restore := Row{}
				for col := range updates[j].Fields {
					restore[col] = old[col]
				}
				if restoreErr := gw.UpdateRow(ctx, table, updates[j].Key, restore); restoreErr != nil {
					err = errors.Join(err, fmt.Errorf("restore %s/%s: %w", table, updates[j].Key, restoreErr))
				}
			}
			return err
		}
	}
	return nil
}
