package resolution

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/platform/eventfeed"
)

// FeedClient is the subset of the results feed the adapters call.
type FeedClient interface {
	GetEvent(ctx context.Context, id string) (eventfeed.Event, error)
	PriceAt(ctx context.Context, symbol string, at time.Time) (eventfeed.Quote, error)
}

// EventFeed resolves sports and event markets from the feed's final result.
// The event id is the resolution source with an optional "event:" prefix,
// falling back to the market id.
type EventFeed struct {
	feed FeedClient
}

// NewEventFeed creates an EventFeed adapter.
func NewEventFeed(feed FeedClient) *EventFeed {
	return &EventFeed{feed: feed}
}

func (e *EventFeed) Name() string { return "event_feed" }

func (e *EventFeed) Resolve(ctx context.Context, m domain.Market) (domain.SettlementOutcome, error) {
	id := strings.TrimPrefix(m.ResolutionSource, "event:")
	if id == "" {
		id = m.ID
	}
	ev, err := e.feed.GetEvent(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SettlementOutcome{Result: domain.ResultPending, SourceRef: "event:" + id}, nil
	}
	if err != nil {
		return domain.SettlementOutcome{}, err
	}

	out := domain.SettlementOutcome{
		Result:    domain.ResultPending,
		Evidence:  ev.Raw,
		SourceRef: "event:" + ev.ID,
	}
	if ev.Status != eventfeed.EventFinal {
		return out, nil
	}
	r, ok := domain.ParseResult(ev.Outcome)
	if !ok {
		return domain.SettlementOutcome{}, domain.Errorf(domain.ErrInvalidState,
			"event %s reported unknown outcome %q", ev.ID, ev.Outcome)
	}
	out.Result = r
	if r != domain.ResultPending {
		out.Confidence = 1
	}
	if ev.CompletedAt != nil {
		out.ResolvedAt = *ev.CompletedAt
	}
	return out, nil
}

// PriceFeedPrefix marks a resolution source handled by PriceFeed, in the form
// "pricefeed:<symbol>:<op>:<threshold>", for example
// "pricefeed:BTC-USD:>=:100000". The market resolves YES when the price at
// ClosesAt satisfies the comparison.
const PriceFeedPrefix = "pricefeed:"

// PriceFeed resolves threshold markets against a reference price.
type PriceFeed struct {
	feed FeedClient
}

// NewPriceFeed creates a PriceFeed adapter.
func NewPriceFeed(feed FeedClient) *PriceFeed {
	return &PriceFeed{feed: feed}
}

func (p *PriceFeed) Name() string { return "price_feed" }

func (p *PriceFeed) Resolve(ctx context.Context, m domain.Market) (domain.SettlementOutcome, error) {
	cond, err := parsePriceCondition(m.ResolutionSource)
	if err != nil {
		return domain.SettlementOutcome{}, err
	}
	if m.ClosesAt.IsZero() {
		return domain.SettlementOutcome{}, domain.Errorf(domain.ErrInvalidState, "market %s has no close time", m.ID)
	}

	q, err := p.feed.PriceAt(ctx, cond.symbol, m.ClosesAt)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SettlementOutcome{Result: domain.ResultPending, SourceRef: m.ResolutionSource}, nil
	}
	if err != nil {
		return domain.SettlementOutcome{}, err
	}

	evidence, err := json.Marshal(map[string]any{
		"symbol":    q.Symbol,
		"price":     q.Price,
		"at":        q.At,
		"op":        cond.op,
		"threshold": cond.threshold,
	})
	if err != nil {
		return domain.SettlementOutcome{}, err
	}

	out := domain.SettlementOutcome{
		Result:     domain.ResultNo,
		Evidence:   evidence,
		SourceRef:  m.ResolutionSource,
		Confidence: 1,
		ResolvedAt: q.At,
	}
	if cond.holds(q.Price) {
		out.Result = domain.ResultYes
	}
	return out, nil
}

type priceCondition struct {
	symbol    string
	op        string
	threshold decimal.Decimal
}

func parsePriceCondition(source string) (priceCondition, error) {
	parts := strings.Split(strings.TrimPrefix(source, PriceFeedPrefix), ":")
	if !strings.HasPrefix(source, PriceFeedPrefix) || len(parts) != 3 {
		return priceCondition{}, domain.Errorf(domain.ErrInvalidState, "malformed price source %q", source)
	}
	threshold, err := decimal.NewFromString(parts[2])
	if err != nil {
		return priceCondition{}, domain.Errorf(domain.ErrInvalidState, "bad threshold in %q: %v", source, err)
	}
	switch parts[1] {
	case ">", ">=", "<", "<=", "==":
	default:
		return priceCondition{}, domain.Errorf(domain.ErrInvalidState, "unknown operator %q in %q", parts[1], source)
	}
	return priceCondition{symbol: parts[0], op: parts[1], threshold: threshold}, nil
}

func (c priceCondition) holds(price decimal.Decimal) bool {
	cmp := price.Cmp(c.threshold)
	switch c.op {
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case "==":
		return cmp == 0
	}
	return false
}
