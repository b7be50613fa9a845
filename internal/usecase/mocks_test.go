package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/keylevel_breakout/internal/domain"
)

// MockFeed serves canned bars, quotes and indicator values.
type MockFeed struct {
	Bars           map[domain.Timeframe][]domain.Bar
	BarsErr        error
	IndicatorValue float64
	IndicatorErr   error
	IndicatorCalls int
	Quote          domain.Quote
	QuoteErr       error
}

func (m *MockFeed) GetBars(ctx context.Context, symbol string, tf domain.Timeframe, count int) ([]domain.Bar, error) {
	if m.BarsErr != nil {
		return nil, m.BarsErr
	}
	return m.Bars[tf], nil
}

func (m *MockFeed) GetIndicatorValue(ctx context.Context, symbol string, tf domain.Timeframe, kind string, period int) (float64, error) {
	m.IndicatorCalls++
	if m.IndicatorErr != nil {
		return 0, m.IndicatorErr
	}
	return m.IndicatorValue, nil
}

func (m *MockFeed) GetCurrentQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	if m.QuoteErr != nil {
		return nil, m.QuoteErr
	}
	q := m.Quote
	return &q, nil
}

type ModifyCall struct {
	Ticket     string
	StopLoss   float64
	TakeProfit float64
}

type CloseCall struct {
	Ticket string
	Volume float64
}

// MockGateway records every mutation and serves canned account state.
type MockGateway struct {
	Positions  []*domain.PositionInfo
	ListErr    error
	Equity     float64
	EquityErr  error
	Spec       domain.SymbolSpec
	SpecErr    error
	NextTicket string
	OpenErr    error
	ModifyErr  error
	CloseErr   error

	Opened   []*domain.OrderRequest
	Modifies []ModifyCall
	Closes   []CloseCall
}

func (m *MockGateway) OpenPosition(ctx context.Context, req *domain.OrderRequest) (string, error) {
	if m.OpenErr != nil {
		return "", m.OpenErr
	}
	m.Opened = append(m.Opened, req)
	ticket := m.NextTicket
	if ticket == "" {
		ticket = fmt.Sprintf("T-%d", len(m.Opened))
	}
	m.Positions = append(m.Positions, &domain.PositionInfo{
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     req.Volume,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenTime:   time.Now(),
	})
	return ticket, nil
}

func (m *MockGateway) ModifyPosition(ctx context.Context, ticket string, stopLoss, takeProfit float64) error {
	if m.ModifyErr != nil {
		return m.ModifyErr
	}
	m.Modifies = append(m.Modifies, ModifyCall{Ticket: ticket, StopLoss: stopLoss, TakeProfit: takeProfit})
	for _, p := range m.Positions {
		if p.Ticket == ticket {
			p.StopLoss = stopLoss
			p.TakeProfit = takeProfit
		}
	}
	return nil
}

func (m *MockGateway) ClosePosition(ctx context.Context, ticket string, volume float64) error {
	if m.CloseErr != nil {
		return m.CloseErr
	}
	m.Closes = append(m.Closes, CloseCall{Ticket: ticket, Volume: volume})
	for i, p := range m.Positions {
		if p.Ticket != ticket {
			continue
		}
		if volume <= 0 || volume >= p.Volume {
			m.Positions = append(m.Positions[:i], m.Positions[i+1:]...)
		} else {
			p.Volume -= volume
		}
		break
	}
	return nil
}

func (m *MockGateway) ListOpenPositions(ctx context.Context, symbol string) ([]*domain.PositionInfo, error) {
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := make([]*domain.PositionInfo, 0, len(m.Positions))
	for _, p := range m.Positions {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockGateway) AccountEquity(ctx context.Context) (float64, error) {
	if m.EquityErr != nil {
		return 0, m.EquityErr
	}
	return m.Equity, nil
}

func (m *MockGateway) GetSymbolSpec(ctx context.Context, symbol string) (*domain.SymbolSpec, error) {
	if m.SpecErr != nil {
		return nil, m.SpecErr
	}
	spec := m.Spec
	return &spec, nil
}

// MockRepo is an in-memory audit repository.
type MockRepo struct {
	mu        sync.Mutex
	Orders    []*domain.OrderRecord
	History   []*domain.PositionHistory
	Snapshots []*domain.LevelSnapshot
	Marks     []*domain.EquityMark
}

func (m *MockRepo) SaveOrder(ctx context.Context, rec *domain.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Orders = append(m.Orders, rec)
	return nil
}

func (m *MockRepo) ListOrders(ctx context.Context, limit int) ([]*domain.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Orders, nil
}

func (m *MockRepo) SavePositionHistory(ctx context.Context, hist *domain.PositionHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.History = append(m.History, hist)
	return nil
}

func (m *MockRepo) ListPositionHistory(ctx context.Context, limit int) ([]*domain.PositionHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.History, nil
}

func (m *MockRepo) SaveLevelSnapshots(ctx context.Context, snaps []*domain.LevelSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Snapshots = append(m.Snapshots, snaps...)
	return nil
}

func (m *MockRepo) ListLevelSnapshots(ctx context.Context, symbol string, limit int) ([]*domain.LevelSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Snapshots, nil
}

func (m *MockRepo) SaveEquityMark(ctx context.Context, mark *domain.EquityMark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Marks = append(m.Marks, mark)
	return nil
}

func (m *MockRepo) ListEquityMarks(ctx context.Context, limit int) ([]*domain.EquityMark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Marks, nil
}
