package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"restocost/backend/internal/domain"
)

var tableColumns = map[string][]string{
	TableIngredients: {"id", "name", "stock_unit", "buy_unit", "ratio", "min_stock"},
	TableLots:        {"id", "ingredient_id", "created_at", "initial_qty", "remaining_qty", "cost_per_unit"},
	TablePurchases: {"id", "date", "lot_id", "ingredient_id", "qty_buy", "unit", "total_price", "unit_price",
		"stock_qty", "cost_per_stock_unit", "supplier", "note"},
	TableMenus:       {"id", "name", "category", "active", "price", "packaging_cost"},
	TableMenuRecipes: {"key", "menu_id", "ingredient_id", "qty_per_serve"},
	TableCostCenters: {"id", "name", "hourly_rate"},
	TableOverheads:   {"id", "name", "kind", "rate"},
	TableBatches: {"id", "date", "menu_id", "plan_qty", "actual_qty", "weight_kg", "hours", "cost_center_id",
		"recipe_cost", "packaging_cost", "labor_cost", "overhead_cost", "total_cost", "per_serve_cost", "status"},
	TableSales: {"id", "date", "platform", "menu_id", "qty", "unit_price", "revenue", "cogs", "profit", "lines"},
}

// Columns returns the known columns of table in declaration order.
func Columns(table string) []string {
	return tableColumns[table]
}

// rowReader decodes one row column by column and keeps the first failure.
type rowReader struct {
	table string
	row   Row
	err   error
}

func newRowReader(table string, row Row) *rowReader {
	r := &rowReader{table: table, row: row}
	allowed := make(map[string]struct{}, len(tableColumns[table]))
	for _, col := range tableColumns[table] {
		allowed[col] = struct{}{}
	}
	for col := range row {
		if _, ok := allowed[col]; !ok {
			r.fail(col, "unknown column")
			break
		}
	}
	return r
}

func (r *rowReader) fail(col string, reason string) {
	if r.err != nil {
		return
	}
	key := r.row[tableKeys[r.table]]
	r.err = fmt.Errorf("%w: %s[%s].%s: %s", ErrMalformedRow, r.table, key, col, reason)
}

func (r *rowReader) str(col string, required bool) string {
	val := strings.TrimSpace(r.row[col])
	if required && val == "" {
		r.fail(col, "required")
	}
	return val
}

func (r *rowReader) dec(col string, required bool) decimal.Decimal {
	raw := r.str(col, required)
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		r.fail(col, "not a number")
		return decimal.Zero
	}
	return d
}

func (r *rowReader) nullDec(col string) decimal.NullDecimal {
	raw := r.str(col, false)
	if raw == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		r.fail(col, "not a number")
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func (r *rowReader) integer(col string, required bool) int {
	raw := r.str(col, required)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(col, "not an integer")
	}
	return n
}

func (r *rowReader) boolean(col string) bool {
	raw := r.str(col, false)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(col, "not a boolean")
	}
	return b
}

func (r *rowReader) when(col string, required bool) time.Time {
	raw := r.str(col, required)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC()
	}
	t, err := time.Parse(domain.DateLayout, raw)
	if err != nil {
		r.fail(col, "not a date")
	}
	return t.UTC()
}

func formatDec(d decimal.Decimal) string {
	return d.String()
}

func formatDate(t time.Time) string {
	return t.UTC().Format(domain.DateLayout)
}

func DecodeIngredient(row Row) (domain.Ingredient, error) {
	r := newRowReader(TableIngredients, row)
	ing := domain.Ingredient{
		ID:        r.str("id", true),
		Name:      r.str("name", true),
		StockUnit: r.str("stock_unit", false),
		BuyUnit:   r.str("buy_unit", false),
		Ratio:     r.dec("ratio", true),
		MinStock:  r.dec("min_stock", false),
	}
	if r.err == nil && !ing.Ratio.IsPositive() {
		r.fail("ratio", "must be > 0")
	}
	return ing, r.err
}

func EncodeIngredient(ing domain.Ingredient) Row {
	return Row{
		"id":         ing.ID,
		"name":       ing.Name,
		"stock_unit": ing.StockUnit,
		"buy_unit":   ing.BuyUnit,
		"ratio":      formatDec(ing.Ratio),
		"min_stock":  formatDec(ing.MinStock),
	}
}

func DecodeLot(row Row) (domain.Lot, error) {
	r := newRowReader(TableLots, row)
	lot := domain.Lot{
		ID:           r.str("id", true),
		IngredientID: r.str("ingredient_id", true),
		CreatedAt:    r.when("created_at", true),
		InitialQty:   r.dec("initial_qty", true),
		RemainingQty: r.dec("remaining_qty", true),
		CostPerUnit:  r.dec("cost_per_unit", true),
	}
	if r.err == nil && (lot.RemainingQty.IsNegative() || lot.RemainingQty.GreaterThan(lot.InitialQty)) {
		r.fail("remaining_qty", "outside 0..initial_qty")
	}
	return lot, r.err
}

func EncodeLot(lot domain.Lot) Row {
	return Row{
		"id":            lot.ID,
		"ingredient_id": lot.IngredientID,
		"created_at":    lot.CreatedAt.UTC().Format(time.RFC3339Nano),
		"initial_qty":   formatDec(lot.InitialQty),
		"remaining_qty": formatDec(lot.RemainingQty),
		"cost_per_unit": formatDec(lot.CostPerUnit),
	}
}

func DecodePurchase(row Row) (domain.Purchase, error) {
	r := newRowReader(TablePurchases, row)
	p := domain.Purchase{
		ID:               r.str("id", true),
		Date:             r.when("date", true),
		LotID:            r.str("lot_id", true),
		IngredientID:     r.str("ingredient_id", true),
		QtyBuy:           r.dec("qty_buy", true),
		Unit:             r.str("unit", false),
		TotalPrice:       r.dec("total_price", true),
		UnitPrice:        r.dec("unit_price", false),
		StockQty:         r.dec("stock_qty", false),
		CostPerStockUnit: r.dec("cost_per_stock_unit", false),
		Supplier:         r.str("supplier", false),
		Note:             r.str("note", false),
	}
	return p, r.err
}

func EncodePurchase(p domain.Purchase) Row {
	return Row{
		"id":                  p.ID,
		"date":                formatDate(p.Date),
		"lot_id":              p.LotID,
		"ingredient_id":       p.IngredientID,
		"qty_buy":             formatDec(p.QtyBuy),
		"unit":                p.Unit,
		"total_price":         formatDec(p.TotalPrice),
		"unit_price":          formatDec(p.UnitPrice),
		"stock_qty":           formatDec(p.StockQty),
		"cost_per_stock_unit": formatDec(p.CostPerStockUnit),
		"supplier":            p.Supplier,
		"note":                p.Note,
	}
}

func DecodeMenu(row Row) (domain.Menu, error) {
	r := newRowReader(TableMenus, row)
	m := domain.Menu{
		ID:            r.str("id", true),
		Name:          r.str("name", true),
		Category:      r.str("category", false),
		Active:        r.boolean("active"),
		Price:         r.nullDec("price"),
		PackagingCost: r.dec("packaging_cost", false),
	}
	return m, r.err
}

func EncodeMenu(m domain.Menu) Row {
	price := ""
	if m.Price.Valid {
		price = formatDec(m.Price.Decimal)
	}
	return Row{
		"id":             m.ID,
		"name":           m.Name,
		"category":       m.Category,
		"active":         strconv.FormatBool(m.Active),
		"price":          price,
		"packaging_cost": formatDec(m.PackagingCost),
	}
}

// RecipeKey is the row key of a menu_recipes row.
func RecipeKey(menuID string, ingredientID string) string {
	return menuID + ":" + ingredientID
}

func DecodeRecipeLine(row Row) (domain.RecipeLine, error) {
	r := newRowReader(TableMenuRecipes, row)
	line := domain.RecipeLine{
		MenuID:       r.str("menu_id", true),
		IngredientID: r.str("ingredient_id", true),
		QtyPerServe:  r.dec("qty_per_serve", true),
	}
	if r.err == nil && !line.QtyPerServe.IsPositive() {
		r.fail("qty_per_serve", "must be > 0")
	}
	return line, r.err
}

func EncodeRecipeLine(line domain.RecipeLine) Row {
	return Row{
		"key":           RecipeKey(line.MenuID, line.IngredientID),
		"menu_id":       line.MenuID,
		"ingredient_id": line.IngredientID,
		"qty_per_serve": formatDec(line.QtyPerServe),
	}
}

func DecodeCostCenter(row Row) (domain.CostCenter, error) {
	r := newRowReader(TableCostCenters, row)
	cc := domain.CostCenter{
		ID:         r.str("id", true),
		Name:       r.str("name", false),
		HourlyRate: r.dec("hourly_rate", true),
	}
	return cc, r.err
}

func EncodeCostCenter(cc domain.CostCenter) Row {
	return Row{
		"id":          cc.ID,
		"name":        cc.Name,
		"hourly_rate": formatDec(cc.HourlyRate),
	}
}

func DecodeOverhead(row Row) (domain.Overhead, error) {
	r := newRowReader(TableOverheads, row)
	oh := domain.Overhead{
		ID:   r.str("id", true),
		Name: r.str("name", false),
		Kind: r.str("kind", true),
		Rate: r.dec("rate", true),
	}
	switch oh.Kind {
	case domain.OverheadPerHour, domain.OverheadPerKg, domain.OverheadPerServe, "":
	default:
		r.fail("kind", "unknown overhead kind "+oh.Kind)
	}
	return oh, r.err
}

func EncodeOverhead(oh domain.Overhead) Row {
	return Row{
		"id":   oh.ID,
		"name": oh.Name,
		"kind": oh.Kind,
		"rate": formatDec(oh.Rate),
	}
}

func DecodeSale(row Row) (domain.Sale, error) {
	r := newRowReader(TableSales, row)
	s := domain.Sale{
		ID:        r.str("id", true),
		Date:      r.when("date", true),
		Platform:  r.str("platform", false),
		MenuID:    r.str("menu_id", true),
		Qty:       r.integer("qty", true),
		UnitPrice: r.dec("unit_price", true),
		Revenue:   r.dec("revenue", false),
		COGS:      r.dec("cogs", false),
		Profit:    r.dec("profit", false),
		Lines:     r.saleLines("lines"),
	}
	return s, r.err
}

// saleLines reads the per-ingredient COGS breakdown stored as a JSON array.
// Rows written before the column existed decode with no lines.
func (r *rowReader) saleLines(col string) []domain.SaleLine {
	raw := r.str(col, false)
	if raw == "" {
		return nil
	}
	var lines []domain.SaleLine
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		r.fail(col, "not a line list")
		return nil
	}
	return lines
}

func EncodeSale(s domain.Sale) Row {
	return Row{
		"id":         s.ID,
		"date":       formatDate(s.Date),
		"platform":   s.Platform,
		"menu_id":    s.MenuID,
		"qty":        strconv.Itoa(s.Qty),
		"unit_price": formatDec(s.UnitPrice),
		"revenue":    formatDec(s.Revenue),
		"cogs":       formatDec(s.COGS),
		"profit":     formatDec(s.Profit),
		"lines":      encodeSaleLines(s.Lines),
	}
}

func encodeSaleLines(lines []domain.SaleLine) string {
	if len(lines) == 0 {
		return ""
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return ""
	}
	return string(raw)
}

func DecodeBatch(row Row) (domain.Batch, error) {
	r := newRowReader(TableBatches, row)
	b := domain.Batch{
		ID:            r.str("id", true),
		Date:          r.when("date", true),
		MenuID:        r.str("menu_id", true),
		PlanQty:       r.integer("plan_qty", true),
		ActualQty:     r.integer("actual_qty", false),
		WeightKg:      r.dec("weight_kg", false),
		Hours:         r.dec("hours", false),
		CostCenterID:  r.str("cost_center_id", false),
		RecipeCost:    r.dec("recipe_cost", false),
		PackagingCost: r.dec("packaging_cost", false),
		LaborCost:     r.dec("labor_cost", false),
		OverheadCost:  r.dec("overhead_cost", false),
		TotalCost:     r.dec("total_cost", false),
		PerServeCost:  r.dec("per_serve_cost", false),
		Status:        r.str("status", false),
	}
	return b, r.err
}

func EncodeBatch(b domain.Batch) Row {
	return Row{
		"id":             b.ID,
		"date":           formatDate(b.Date),
		"menu_id":        b.MenuID,
		"plan_qty":       strconv.Itoa(b.PlanQty),
		"actual_qty":     strconv.Itoa(b.ActualQty),
		"weight_kg":      formatDec(b.WeightKg),
		"hours":          formatDec(b.Hours),
		"cost_center_id": b.CostCenterID,
		"recipe_cost":    formatDec(b.RecipeCost),
		"packaging_cost": formatDec(b.PackagingCost),
		"labor_cost":     formatDec(b.LaborCost),
		"overhead_cost":  formatDec(b.OverheadCost),
		"total_cost":     formatDec(b.TotalCost),
		"per_serve_cost": formatDec(b.PerServeCost),
		"status":         b.Status,
	}
}

// DecodeAll decodes every row with fn and stops at the first malformed row.
func DecodeAll[T any](rows []Row, fn func(Row) (T, error)) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		item, err := fn(row)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// CheckColumns rejects rows carrying columns the table does not declare.
func CheckColumns(table string, row Row) error {
	cols, ok := tableColumns[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	for col := range row {
		if !slices.Contains(cols, col) {
			return fmt.Errorf("%w: %s.%s: unknown column", ErrMalformedRow, table, col)
		}
	}
	return nil
}
