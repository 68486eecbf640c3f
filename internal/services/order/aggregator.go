// Package order builds the order confirmation from the live session, the
// persisted main order and the upsell ledger.
package order

import (
	"context"
	"fmt"
	"sort"

	"github.com/kevin07696/funnel-service/internal/catalog"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"github.com/kevin07696/funnel-service/internal/services/session"
	"github.com/kevin07696/funnel-service/pkg/observability"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Aggregator merges a session's orders into one summary
type Aggregator struct {
	sessions *session.Store
	orders   ports.OrderRepository
	catalog  *catalog.Catalog
	logger   *zap.Logger
}

// NewAggregator creates an order aggregator
func NewAggregator(sessions *session.Store, orders ports.OrderRepository, cat *catalog.Catalog, logger *zap.Logger) *Aggregator {
	return &Aggregator{sessions: sessions, orders: orders, catalog: cat, logger: logger}
}

// sources holds what was found for one session
type sources struct {
	session *domain.FunnelSession
	main    *domain.MainOrder
	ledger  []domain.UpsellOrder
}

// Summary returns the merged order for sessionID. When the session has
// expired the persisted records are used and the summary is marked fallback.
func (a *Aggregator) Summary(ctx context.Context, sessionID string) (*domain.OrderSummary, error) {
	src, err := a.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if src.session == nil && src.main == nil && len(src.ledger) == 0 {
		return nil, domain.ErrSessionNotFound
	}

	summary := &domain.OrderSummary{
		SessionID: sessionID,
		Source:    domain.SummarySourceSession,
		Customer:  domain.PlaceholderCustomer(),
		Lines:     []domain.SummaryLine{},
	}
	if src.session == nil {
		summary.Source = domain.SummarySourceFallback
	}

	a.applyHeader(summary, src)
	for _, item := range a.mainItems(src) {
		summary.Lines = append(summary.Lines, domain.SummaryLine{
			ProductCode: item.ProductCode,
			Name:        item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.Price,
			Amount:      item.Total(),
			Kind:        domain.LineKindMain,
		})
		for _, bonus := range a.catalog.BonusItems(item.ProductCode) {
			summary.Lines = append(summary.Lines, domain.SummaryLine{
				ProductCode: bonus.Code,
				Name:        bonus.Name,
				Quantity:    bonus.Quantity * item.Quantity,
				UnitPrice:   decimal.Zero,
				Amount:      decimal.Zero,
				Kind:        domain.LineKindBonus,
			})
		}
	}
	summary.Lines = append(summary.Lines, a.upsellLines(src)...)

	subtotal := decimal.Zero
	for _, line := range summary.Lines {
		subtotal = subtotal.Add(line.Amount)
	}
	summary.Subtotal = subtotal.Round(2)
	summary.Total = summary.Subtotal.Add(summary.Tax).Add(summary.ShipCost)

	observability.RecordOrderSummary(string(summary.Source))
	a.logger.Debug("Order summary built",
		zap.String("session_id", sessionID),
		zap.String("source", string(summary.Source)),
		zap.Int("lines", len(summary.Lines)),
		zap.String("total", summary.Total.StringFixed(2)),
	)
	return summary, nil
}

// load reads the session, main order and ledger concurrently. A missing or
// expired session is not an error here.
func (a *Aggregator) load(ctx context.Context, sessionID string) (*sources, error) {
	var src sources
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sess, err := a.sessions.Get(gctx, sessionID)
		if domain.IsNotFoundError(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		src.session = sess
		return nil
	})
	g.Go(func() error {
		mo, err := a.orders.GetMainOrder(gctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to load main order: %w", err)
		}
		src.main = mo
		return nil
	})
	g.Go(func() error {
		ledger, err := a.orders.ListUpsellOrders(gctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to load upsell orders: %w", err)
		}
		src.ledger = ledger
		return nil
	})

	if err := g.Wait(); err != nil {
		a.logger.Error("Failed to load order sources",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return nil, err
	}
	return &src, nil
}

// applyHeader fills customer, order id, ship-to and the fixed tax and
// shipping charges. The main order wins for charges; the session wins for
// customer details.
func (a *Aggregator) applyHeader(summary *domain.OrderSummary, src *sources) {
	if s := src.session; s != nil {
		summary.OrderID = s.OrderID
		summary.ShipTo = s.Shipping
		summary.Tax = s.Tax
		summary.ShipCost = s.ShippingAmount
		if !s.Customer.IsZero() {
			summary.Customer = s.Customer
		}
	}
	if m := src.main; m != nil {
		if summary.OrderID == "" {
			summary.OrderID = m.OrderID
		}
		if summary.ShipTo == nil {
			summary.ShipTo = m.Shipping
		}
		summary.Tax = m.Tax
		summary.ShipCost = m.ShippingAmount
		if src.session == nil || src.session.Customer.IsZero() {
			if !m.Customer.IsZero() {
				summary.Customer = m.Customer
			}
		}
	}
}

func (a *Aggregator) mainItems(src *sources) []domain.LineItem {
	if src.session != nil && len(src.session.LineItems) > 0 {
		return src.session.LineItems
	}
	if src.main != nil {
		return src.main.LineItems
	}
	return nil
}

// upsellLines merges session upsell records with the ledger by step,
// preferring the session's record
func (a *Aggregator) upsellLines(src *sources) []domain.SummaryLine {
	byStep := make(map[int]domain.SummaryLine)

	for _, rec := range src.ledger {
		byStep[rec.Step] = a.upsellLine(rec.Step, rec.ProductCode, rec.Amount, rec.TransactionID)
	}
	if src.session != nil {
		for _, rec := range src.session.Upsells {
			byStep[rec.Step] = a.upsellLine(rec.Step, rec.ProductCode, rec.Amount, rec.TransactionID)
		}
	}

	lines := make([]domain.SummaryLine, 0, len(byStep))
	for _, line := range byStep {
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Step < lines[j].Step })
	return lines
}

func (a *Aggregator) upsellLine(step int, code string, amount decimal.Decimal, txID string) domain.SummaryLine {
	name := code
	if offer, ok := a.catalog.OfferByCode(code); ok {
		name = offer.Name
	}
	return domain.SummaryLine{
		ProductCode:   code,
		Name:          name,
		Quantity:      1,
		UnitPrice:     amount,
		Amount:        amount,
		Kind:          domain.LineKindUpsell,
		Step:          step,
		TransactionID: txID,
	}
}
