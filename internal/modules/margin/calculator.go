package margin

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/domain"
)

// ErrPreviewUnavailable means no preview client is configured. Callers
// treat it as a clean rejection rather than a transient failure: retrying
// cannot help until the process is reconfigured.
var ErrPreviewUnavailable = errors.New("margin preview unavailable")

// Flat margin rates per instrument class.
const (
	stockMarginRate  = 0.25 // Reg T
	forexMarginRate  = 0.02 // 50:1 leverage
	cryptoMarginRate = 0.50 // 2:1 leverage
	futureMockRate   = 0.10
)

// Previewer is the slice of the preview client the calculator needs.
type Previewer interface {
	Preview(ctx context.Context, accountID string, req PreviewRequest) (*MarginImpact, error)
}

// Request carries the inputs of one margin calculation.
type Request struct {
	AccountID      string
	Instrument     string
	InstrumentType domain.InstrumentType
	Direction      domain.Direction
	OrderType      domain.OrderType
	Quantity       float64
	Price          float64
	Expiry         string
	Exchange       string
}

// Calculator derives margin requirements. Equities, forex and crypto use
// flat rates; futures and options go through the broker preview, except
// futures in mock mode which use a flat estimate.
type Calculator struct {
	preview Previewer
	mock    bool
	log     zerolog.Logger
}

// NewCalculator creates a margin calculator. preview may be nil, in which
// case every calculation that requires it fails.
func NewCalculator(preview Previewer, mock bool, log zerolog.Logger) *Calculator {
	return &Calculator{
		preview: preview,
		mock:    mock,
		log:     log.With().Str("module", "margin").Logger(),
	}
}

// Calculate returns the margin requirement for a prospective order.
func (c *Calculator) Calculate(ctx context.Context, req Request) (*domain.MarginRequirement, error) {
	if req.Quantity <= 0 || req.Price <= 0 {
		return nil, fmt.Errorf("margin calculation needs positive quantity and price, got qty=%.8f price=%.8f", req.Quantity, req.Price)
	}
	notional := req.Quantity * req.Price

	switch req.InstrumentType {
	case domain.InstrumentStock, domain.InstrumentETF:
		return percentage(notional, stockMarginRate), nil
	case domain.InstrumentForex:
		return percentage(notional, forexMarginRate), nil
	case domain.InstrumentCrypto:
		return percentage(notional, cryptoMarginRate), nil
	case domain.InstrumentFuture:
		if req.Expiry == "" || req.Exchange == "" {
			return nil, fmt.Errorf("future %s needs expiry and exchange for margin calculation", req.Instrument)
		}
		if c.mock {
			r := percentage(notional, futureMockRate)
			r.Method = domain.MarginMethodMockEstimate
			return r, nil
		}
		return c.fromPreview(ctx, req)
	case domain.InstrumentOption:
		// Options are never estimated. Without a live preview the
		// calculation fails and the order is rejected upstream.
		return c.fromPreview(ctx, req)
	default:
		return nil, fmt.Errorf("unknown instrument type %q", req.InstrumentType)
	}
}

func (c *Calculator) fromPreview(ctx context.Context, req Request) (*domain.MarginRequirement, error) {
	if c.preview == nil {
		return nil, fmt.Errorf("%w for %s %s", ErrPreviewUnavailable, req.InstrumentType, req.Instrument)
	}

	impact, err := c.preview.Preview(ctx, req.AccountID, PreviewRequest{
		Instrument:     req.Instrument,
		Direction:      string(req.Direction),
		Quantity:       req.Quantity,
		OrderType:      string(req.OrderType),
		InstrumentType: string(req.InstrumentType),
		Expiry:         req.Expiry,
		Exchange:       req.Exchange,
	})
	if err != nil {
		return nil, err
	}

	return &domain.MarginRequirement{
		InitialMargin:     impact.InitMarginChange,
		MaintenanceMargin: impact.MaintMarginChange,
		Method:            domain.MarginMethodBrokerPreview,
	}, nil
}

// percentage builds a flat-rate requirement. The rate tables carry one rate
// per class, so maintenance equals initial here; only broker previews report
// the two separately.
func percentage(notional, rate float64) *domain.MarginRequirement {
	m := notional * rate
	return &domain.MarginRequirement{
		InitialMargin:     m,
		MaintenanceMargin: m,
		Method:            domain.MarginMethodPercentage,
	}
}
