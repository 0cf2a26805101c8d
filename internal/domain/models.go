package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Ingredient struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	StockUnit string          `json:"stock_unit"`
	BuyUnit   string          `json:"buy_unit"`
	Ratio     decimal.Decimal `json:"ratio"`
	MinStock  decimal.Decimal `json:"min_stock"`
}

// Lot is one priced slice of inventory created by a purchase. Remaining only
// ever decreases; a lot at zero is depleted for good.
type Lot struct {
	ID           string          `json:"id"`
	IngredientID string          `json:"ingredient_id"`
	CreatedAt    time.Time       `json:"created_at"`
	InitialQty   decimal.Decimal `json:"initial_qty"`
	RemainingQty decimal.Decimal `json:"remaining_qty"`
	CostPerUnit  decimal.Decimal `json:"cost_per_unit"`
}

func (l Lot) Status() string {
	if l.RemainingQty.IsPositive() {
		return LotStatusActive
	}
	return LotStatusDepleted
}

type Purchase struct {
	ID               string          `json:"id"`
	Date             time.Time       `json:"date"`
	LotID            string          `json:"lot_id"`
	IngredientID     string          `json:"ingredient_id"`
	QtyBuy           decimal.Decimal `json:"qty_buy"`
	Unit             string          `json:"unit"`
	TotalPrice       decimal.Decimal `json:"total_price"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	StockQty         decimal.Decimal `json:"stock_qty"`
	CostPerStockUnit decimal.Decimal `json:"cost_per_stock_unit"`
	Supplier         string          `json:"supplier,omitempty"`
	Note             string          `json:"note,omitempty"`
}

type Menu struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Category      string              `json:"category"`
	Active        bool                `json:"active"`
	Price         decimal.NullDecimal `json:"price"`
	PackagingCost decimal.Decimal     `json:"packaging_cost"`
}

// RecipeLine is one row of a menu's bill of materials, in stock units per serve.
type RecipeLine struct {
	MenuID       string          `json:"menu_id"`
	IngredientID string          `json:"ingredient_id"`
	QtyPerServe  decimal.Decimal `json:"qty_per_serve"`
}

type CostCenter struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	HourlyRate decimal.Decimal `json:"hourly_rate"`
}

type Overhead struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Kind string          `json:"kind"`
	Rate decimal.Decimal `json:"rate"`
}

type Batch struct {
	ID            string          `json:"id"`
	Date          time.Time       `json:"date"`
	MenuID        string          `json:"menu_id"`
	PlanQty       int             `json:"plan_qty"`
	ActualQty     int             `json:"actual_qty"`
	WeightKg      decimal.Decimal `json:"weight_kg"`
	Hours         decimal.Decimal `json:"hours"`
	CostCenterID  string          `json:"cost_center_id"`
	RecipeCost    decimal.Decimal `json:"recipe_cost"`
	PackagingCost decimal.Decimal `json:"packaging_cost"`
	LaborCost     decimal.Decimal `json:"labor_cost"`
	OverheadCost  decimal.Decimal `json:"overhead_cost"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	PerServeCost  decimal.Decimal `json:"per_serve_cost"`
	Status        string          `json:"status"`
}

type Sale struct {
	ID        string          `json:"id"`
	Date      time.Time       `json:"date"`
	Platform  string          `json:"platform"`
	MenuID    string          `json:"menu_id"`
	Qty       int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Revenue   decimal.Decimal `json:"revenue"`
	COGS      decimal.Decimal `json:"cogs"`
	Profit    decimal.Decimal `json:"profit"`
	Lines     []SaleLine      `json:"lines,omitempty"`
}

// SaleLine is the COGS one ingredient contributed to a sale.
type SaleLine struct {
	IngredientID string          `json:"ingredient_id"`
	Qty          decimal.Decimal `json:"qty"`
	Cost         decimal.Decimal `json:"cost"`
}

// Warning is a non-fatal condition attached to an otherwise successful result.
type Warning struct {
	Code     string `json:"code"`
	EntityID string `json:"entity_id"`
	Message  string `json:"message"`
}

func (w Warning) String() string {
	return w.Message
}

// LotDraw records how much one consumption took from one lot.
type LotDraw struct {
	LotID       string          `json:"lot_id"`
	Qty         decimal.Decimal `json:"qty"`
	CostPerUnit decimal.Decimal `json:"cost_per_unit"`
	Cost        decimal.Decimal `json:"cost"`
}

type ConsumptionResult struct {
	IngredientID string          `json:"ingredient_id"`
	Requested    decimal.Decimal `json:"requested"`
	Draws        []LotDraw       `json:"draws"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
}

// PricePreview is a FIFO pricing of a quantity that mutates nothing.
type PricePreview struct {
	IngredientID string          `json:"ingredient_id"`
	Qty          decimal.Decimal `json:"qty"`
	Available    decimal.Decimal `json:"available"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	Priced       bool            `json:"priced"`
	Warnings     []Warning       `json:"warnings,omitempty"`
}

type IngredientSnapshot struct {
	Ingredient Ingredient      `json:"ingredient"`
	Lots       []Lot           `json:"lots"`
	Remaining  decimal.Decimal `json:"remaining"`
	StockValue decimal.Decimal `json:"stock_value"`
	LowStock   bool            `json:"low_stock"`
	Warnings   []Warning       `json:"warnings,omitempty"`
}

type PurchaseResult struct {
	Purchase Purchase `json:"purchase"`
	Lot      Lot      `json:"lot"`
}

type MenuCostLine struct {
	IngredientID string          `json:"ingredient_id"`
	Name         string          `json:"name,omitempty"`
	Qty          decimal.Decimal `json:"qty"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	LineCost     decimal.Decimal `json:"line_cost"`
	Priced       bool            `json:"priced"`
}

type MenuCostResult struct {
	MenuID         string              `json:"menu_id"`
	MenuName       string              `json:"menu_name"`
	TargetGP       decimal.Decimal     `json:"target_gp"`
	Lines          []MenuCostLine      `json:"lines"`
	IngredientCost decimal.Decimal     `json:"ingredient_cost"`
	PackagingCost  decimal.Decimal     `json:"packaging_cost"`
	OverheadCost   decimal.Decimal     `json:"overhead_cost"`
	TotalCost      decimal.Decimal     `json:"total_cost"`
	SuggestedPrice decimal.Decimal     `json:"suggested_price"`
	ListedPrice    decimal.NullDecimal `json:"listed_price"`
	FoodCostPct    decimal.NullDecimal `json:"food_cost_pct"`
	Warnings       []Warning           `json:"warnings"`
}

type SaleResult struct {
	Sale         Sale                `json:"sale"`
	Consumptions []ConsumptionResult `json:"consumptions"`
	Warnings     []Warning           `json:"warnings"`
}

type BatchCostResult struct {
	Batch        Batch               `json:"batch"`
	Variance     int                 `json:"variance"`
	Consumptions []ConsumptionResult `json:"consumptions,omitempty"`
	Warnings     []Warning           `json:"warnings"`
}

type PurchaseRequest struct {
	IngredientID string          `json:"ingredient_id" validate:"required,max=64"`
	QtyBuy       decimal.Decimal `json:"qty_buy"`
	TotalPrice   decimal.Decimal `json:"total_price"`
	Unit         string          `json:"unit" validate:"max=32"`
	Date         string          `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Supplier     string          `json:"supplier,omitempty" validate:"max=128"`
	Note         string          `json:"note,omitempty" validate:"max=512"`
}

type SaleRequest struct {
	Date      string              `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Platform  string              `json:"platform" validate:"required,max=64"`
	MenuID    string              `json:"menu_id" validate:"required,max=64"`
	Qty       int                 `json:"qty" validate:"gt=0"`
	UnitPrice decimal.NullDecimal `json:"unit_price"`
}

type BatchRequest struct {
	Date         string          `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	MenuID       string          `json:"menu_id" validate:"required,max=64"`
	PlanQty      int             `json:"plan_qty" validate:"gt=0"`
	ActualQty    int             `json:"actual_qty" validate:"gte=0"`
	WeightKg     decimal.Decimal `json:"weight_kg"`
	Hours        decimal.Decimal `json:"hours"`
	CostCenterID string          `json:"cost_center_id" validate:"required,max=64"`
	Committed    bool            `json:"committed"`
}

type InvalidateRequest struct {
	Key    string `json:"key,omitempty" validate:"required_without=Prefix"`
	Prefix string `json:"prefix,omitempty" validate:"required_without=Key"`
}

type SalesSummaryRow struct {
	Key       string          `json:"key"`
	Label     string          `json:"label"`
	Qty       int             `json:"qty"`
	Revenue   decimal.Decimal `json:"revenue"`
	COGS      decimal.Decimal `json:"cogs"`
	Profit    decimal.Decimal `json:"profit"`
	MarginPct decimal.Decimal `json:"margin_pct"`
}

type SalesSummary struct {
	From       string            `json:"from"`
	To         string            `json:"to"`
	Sales      int               `json:"sales"`
	Total      SalesSummaryRow   `json:"total"`
	ByMenu     []SalesSummaryRow `json:"by_menu"`
	ByPlatform []SalesSummaryRow `json:"by_platform"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	LotStatusActive   = "active"
	LotStatusDepleted = "depleted"
)

const (
	OverheadPerHour  = "per_hour"
	OverheadPerKg    = "per_kg"
	OverheadPerServe = "per_serve"
)

const (
	BatchStatusPlanned   = "planned"
	BatchStatusCommitted = "committed"
)

const (
	WarningMissingPrice      = "missing_price"
	WarningMissingIngredient = "missing_ingredient"
	WarningStaleData         = "stale_data"
	WarningEmptyRecipe       = "empty_recipe"
	WarningShortStock        = "short_stock"
)

const (
	RoleOwner = "owner"
	RoleStaff = "staff"
)

// DateLayout is the scalar format used for calendar dates in rows and requests.
const DateLayout = "2006-01-02"
