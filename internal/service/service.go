package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"restocost/backend/internal/cache"
	"restocost/backend/internal/catalog"
	"restocost/backend/internal/costing"
	"restocost/backend/internal/domain"
	"restocost/backend/internal/ledger"
	"restocost/backend/internal/logging"
	"restocost/backend/internal/report"
)

var ErrForbidden = errors.New("owner role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service is the operation surface consumed by the HTTP layer.
type Service struct {
	ledger   *ledger.Ledger
	costing  *costing.Engine
	catalog  *catalog.Reader
	cache    *cache.Cache
	validate *validator.Validate
	log      *logrus.Entry
}

func New(led *ledger.Ledger, engine *costing.Engine, reader *catalog.Reader, c *cache.Cache, logger logrus.FieldLogger) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	return &Service{
		ledger:   led,
		costing:  engine,
		catalog:  reader,
		cache:    c,
		validate: v,
		log:      logging.Component(logger, "service"),
	}
}

func (s *Service) RecordPurchase(ctx context.Context, req domain.PurchaseRequest) (domain.PurchaseResult, error) {
	start := time.Now()
	if err := s.check(req); err != nil {
		return domain.PurchaseResult{}, err
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		return domain.PurchaseResult{}, err
	}

	res, err := s.ledger.RecordPurchase(ctx, ledger.PurchaseInput{
		IngredientID: req.IngredientID,
		QtyBuy:       req.QtyBuy,
		TotalPrice:   req.TotalPrice,
		Unit:         strings.TrimSpace(req.Unit),
		Date:         date,
		Supplier:     strings.TrimSpace(req.Supplier),
		Note:         strings.TrimSpace(req.Note),
	})
	s.trace(ctx, "record_purchase", req.IngredientID, start, nil, err)
	return res, err
}

func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResult, error) {
	start := time.Now()
	if err := s.check(req); err != nil {
		return domain.SaleResult{}, err
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		return domain.SaleResult{}, err
	}

	res, err := s.costing.RecordSale(ctx, costing.SaleInput{
		Date:      date,
		Platform:  req.Platform,
		MenuID:    req.MenuID,
		Qty:       req.Qty,
		UnitPrice: req.UnitPrice,
	})
	s.trace(ctx, "record_sale", req.MenuID, start, res.Warnings, err)
	return res, err
}

func (s *Service) ComputeMenuCost(ctx context.Context, menuID string, targetGP decimal.Decimal) (domain.MenuCostResult, error) {
	start := time.Now()
	res, err := s.costing.ComputeMenuCost(ctx, strings.TrimSpace(menuID), targetGP)
	s.trace(ctx, "compute_menu_cost", menuID, start, res.Warnings, err)
	return res, err
}

// ComputeBatch previews a batch for anyone; committing one needs the owner.
func (s *Service) ComputeBatch(ctx context.Context, req domain.BatchRequest) (domain.BatchCostResult, error) {
	start := time.Now()
	if err := s.check(req); err != nil {
		return domain.BatchCostResult{}, err
	}
	if req.Committed && !isOwner(ctx) {
		return domain.BatchCostResult{}, ErrForbidden
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		return domain.BatchCostResult{}, err
	}

	res, err := s.costing.ComputeBatch(ctx, costing.BatchInput{
		Date:         date,
		MenuID:       req.MenuID,
		PlanQty:      req.PlanQty,
		ActualQty:    req.ActualQty,
		WeightKg:     req.WeightKg,
		Hours:        req.Hours,
		CostCenterID: req.CostCenterID,
		Committed:    req.Committed,
	})
	s.trace(ctx, "compute_batch", req.MenuID, start, res.Warnings, err)
	return res, err
}

func (s *Service) GetIngredientSnapshot(ctx context.Context, ingredientID string) (domain.IngredientSnapshot, error) {
	return s.ledger.Snapshot(ctx, strings.TrimSpace(ingredientID))
}

func (s *Service) ListIngredients(ctx context.Context) ([]domain.IngredientSnapshot, error) {
	return s.ledger.Snapshots(ctx)
}

// Invalidate drops one cache key or every key under a prefix.
func (s *Service) Invalidate(ctx context.Context, req domain.InvalidateRequest) error {
	if !isOwner(ctx) {
		return ErrForbidden
	}
	if err := s.check(req); err != nil {
		return err
	}
	if req.Key != "" {
		s.cache.Invalidate(ctx, req.Key)
	}
	if req.Prefix != "" {
		s.cache.InvalidatePrefix(ctx, req.Prefix)
	}
	s.log.WithFields(logrus.Fields{"key": req.Key, "prefix": req.Prefix, "actor": actorName(ctx)}).Info("cache invalidated")
	return nil
}

func (s *Service) SalesReport(ctx context.Context, from string, to string) (domain.SalesSummary, error) {
	fromDate, err := parseDate("from", from)
	if err != nil {
		return domain.SalesSummary{}, err
	}
	toDate, err := parseDate("to", to)
	if err != nil {
		return domain.SalesSummary{}, err
	}
	if !fromDate.IsZero() && !toDate.IsZero() && toDate.Before(fromDate) {
		return domain.SalesSummary{}, domain.NewValidationError("to", "must not be before from")
	}

	sales, err := s.costing.ListSales(ctx, fromDate, toDate)
	if err != nil {
		return domain.SalesSummary{}, err
	}
	menus, _, err := s.catalog.Menus(ctx)
	if err != nil {
		return domain.SalesSummary{}, err
	}
	return report.Summarize(from, to, sales, menus), nil
}

func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		if fe.Param() != "" {
			return domain.NewValidationError(fe.Field(), "failed %s=%s", fe.Tag(), fe.Param())
		}
		return domain.NewValidationError(fe.Field(), "failed %s", fe.Tag())
	}
	return fmt.Errorf("validate request: %w", err)
}

func (s *Service) trace(ctx context.Context, op string, entityID string, start time.Time, warnings []domain.Warning, err error) {
	entry := s.log.WithFields(logrus.Fields{
		"op":          op,
		"entity_id":   entityID,
		"actor":       actorName(ctx),
		"duration_ms": time.Since(start).Milliseconds(),
		"warnings":    len(warnings),
	})
	switch {
	case err == nil && len(warnings) > 0:
		entry.Warn("completed with warnings")
	case err == nil:
		entry.Debug("completed")
	case domain.IsBusinessRule(err):
		entry.WithError(err).Info("rejected")
	default:
		entry.WithError(err).Error("failed")
	}
}

func parseDate(field string, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(domain.DateLayout, raw)
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, "expected YYYY-MM-DD, got %q", raw)
	}
	return t, nil
}

func isOwner(ctx context.Context) bool {
	actor, ok := ActorFromContext(ctx)
	return ok && actor.Role == domain.RoleOwner
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return ""
}
