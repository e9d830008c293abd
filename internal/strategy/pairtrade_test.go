package strategy

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/internal/market"
	"fundingarb/internal/risk"
	"fundingarb/pkg/types"
)

type fakePositions struct {
	mu sync.Mutex

	opened    []string
	closed    []string
	adjusted  []decimal.Decimal
	imbalance decimal.Decimal
	snapshot  types.PairState

	spotPnL    decimal.Decimal
	futuresPnL decimal.Decimal
}

func (f *fakePositions) Open(ctx context.Context, symbol string, size decimal.Decimal, side types.Side, isSpot bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, symbol)
	return "order-1", nil
}

func (f *fakePositions) Close(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, symbol)
	return nil
}

func (f *fakePositions) Adjust(ctx context.Context, symbol string, targetSize decimal.Decimal, isSpot bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adjusted = append(f.adjusted, targetSize)
	return nil
}

func (f *fakePositions) Imbalance(symbol string) decimal.Decimal {
	return f.imbalance
}

func (f *fakePositions) PairSnapshot(symbol string) types.PairState {
	return f.snapshot
}

func (f *fakePositions) SpotRecord(symbol string) (types.PositionRecord, bool) {
	return types.PositionRecord{UnrealizedPnL: f.spotPnL}, true
}

func (f *fakePositions) FuturesRecord(symbol string) (types.PositionRecord, bool) {
	return types.PositionRecord{UnrealizedPnL: f.futuresPnL}, true
}

type fakeOrders struct {
	mu        sync.Mutex
	cancelled []string
	waitErr   error
}

func (f *fakeOrders) WaitForFill(ctx context.Context, orderID string, timeout time.Duration) (types.OrderRecord, error) {
	if f.waitErr != nil {
		return types.OrderRecord{}, f.waitErr
	}
	return types.OrderRecord{OrderID: orderID, Status: types.StatusFilled}, nil
}

func (f *fakeOrders) Cancel(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

type fakeRisk struct {
	approve bool
}

func (f *fakeRisk) ApproveNewPosition(req risk.ApprovalRequest) bool {
	return f.approve
}

type fakeDepth struct {
	bids, asks []types.PriceLevel
	balance    decimal.Decimal
	err        error
}

func (f *fakeDepth) GetOrderBookDepth(ctx context.Context, symbol string, isSpot bool) ([]types.PriceLevel, []types.PriceLevel, error) {
	return f.bids, f.asks, f.err
}

func (f *fakeDepth) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return f.balance, nil
}

func testConfig() config.FundingArbitrageConfig {
	return config.FundingArbitrageConfig{
		TopNInstruments:         10,
		MinBasisRatio:           0.001,
		MinFundingRate:          0.0005,
		PreFundingMinutes:       30,
		PositionSizeUSD:         1000,
		MaxPositionPerSymbol:    0.5,
		MaxSpreadRatio:          0.01,
		MinVolumeUSD:            10000,
		UseTWAP:                 true,
		TWAPIntervals:           3,
		StopLossRatio:           0.5,
		ProfitTakeRatio:         0.9,
		PositionImbalanceTol:    0.01,
		TickInterval:            100 * time.Millisecond,
		TradingFee:              0.0004,
		ExecutionTimeoutSeconds: 5,
	}
}

func newTestEngine(pos *fakePositions, orders *fakeOrders, riskC *fakeRisk, depth *fakeDepth) *Engine {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cache := market.NewCache()
	scan := market.NewScanner(nil, logger)
	impact := NewImpactTracker(time.Hour, time.Hour)
	return NewEngine(testConfig(), cache, scan, pos, orders, riskC, depth, impact, logger)
}

func wideDepth(qty decimal.Decimal) []types.PriceLevel {
	return []types.PriceLevel{{Price: decimal.NewFromInt(100), Qty: qty}}
}

func testSnapshot() types.InstrumentSnapshot {
	return types.InstrumentSnapshot{
		Symbol:          "BTCUSDT",
		SpotPrice:       decimal.NewFromInt(100),
		FuturesPrice:    decimal.NewFromFloat(100.5),
		FundingRate:     decimal.NewFromFloat(0.001),
		NextFundingTime: time.Now().Add(5 * time.Minute),
		Volume24h:       1_000_000,
		BestBid:         decimal.NewFromFloat(99.99),
		BestAsk:         decimal.NewFromFloat(100.01),
	}
}

func TestValidateInstrumentPassesWithinAllThresholds(t *testing.T) {
	t.Parallel()
	depth := &fakeDepth{bids: wideDepth(decimal.NewFromInt(1000)), asks: wideDepth(decimal.NewFromInt(1000))}
	e := newTestEngine(&fakePositions{}, &fakeOrders{}, &fakeRisk{}, depth)

	ok, err := e.validateInstrument(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("validateInstrument: %v", err)
	}
	if !ok {
		t.Error("expected instrument to pass validation")
	}
}

func TestValidateInstrumentRejectsBelowMinFundingRate(t *testing.T) {
	t.Parallel()
	depth := &fakeDepth{bids: wideDepth(decimal.NewFromInt(1000)), asks: wideDepth(decimal.NewFromInt(1000))}
	e := newTestEngine(&fakePositions{}, &fakeOrders{}, &fakeRisk{}, depth)

	snap := testSnapshot()
	snap.FundingRate = decimal.NewFromFloat(0.00001)
	ok, err := e.validateInstrument(context.Background(), snap)
	if err != nil {
		t.Fatalf("validateInstrument: %v", err)
	}
	if ok {
		t.Error("expected rejection below min funding rate")
	}
}

func TestValidateInstrumentRejectsThinLiquidity(t *testing.T) {
	t.Parallel()
	depth := &fakeDepth{bids: wideDepth(decimal.NewFromInt(1)), asks: wideDepth(decimal.NewFromInt(1))}
	e := newTestEngine(&fakePositions{}, &fakeOrders{}, &fakeRisk{}, depth)

	ok, err := e.validateInstrument(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("validateInstrument: %v", err)
	}
	if ok {
		t.Error("expected rejection with thin order book depth")
	}
}

func TestSizePositionClampsToSymbolCap(t *testing.T) {
	t.Parallel()
	depth := &fakeDepth{bids: wideDepth(decimal.NewFromInt(1000)), asks: wideDepth(decimal.NewFromInt(1000))}
	e := newTestEngine(&fakePositions{}, &fakeOrders{}, &fakeRisk{}, depth)

	// base = 1000/100 = 10; symbolCap = 0.5*equity/spot = 0.5*500/100 = 2.5
	size, err := e.sizePosition(context.Background(), testSnapshot(), decimal.NewFromInt(500))
	if err != nil {
		t.Fatalf("sizePosition: %v", err)
	}
	if !size.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("size = %v, want 2.5 (symbol cap)", size)
	}
}

func TestSizePositionZeroBelowMinNotional(t *testing.T) {
	t.Parallel()
	depth := &fakeDepth{bids: wideDepth(decimal.NewFromInt(1000)), asks: wideDepth(decimal.NewFromInt(1000))}
	e := newTestEngine(&fakePositions{}, &fakeOrders{}, &fakeRisk{}, depth)

	size, err := e.sizePosition(context.Background(), testSnapshot(), decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("sizePosition: %v", err)
	}
	if !size.IsZero() {
		t.Errorf("size = %v, want 0 below minimum notional", size)
	}
}

func TestExecutePairTradeTWAPSlicesBothLegsConcurrently(t *testing.T) {
	t.Parallel()
	pos := &fakePositions{}
	e := newTestEngine(pos, &fakeOrders{}, &fakeRisk{}, &fakeDepth{})

	if err := e.executePairTrade(context.Background(), testSnapshot(), decimal.NewFromInt(3)); err != nil {
		t.Fatalf("executePairTrade: %v", err)
	}
	if len(pos.opened) != 2*e.cfg.TWAPIntervals {
		t.Errorf("opened %d orders, want %d (2 legs x %d slices)", len(pos.opened), 2*e.cfg.TWAPIntervals, e.cfg.TWAPIntervals)
	}

	e.stateMu.Lock()
	_, ok := e.pairs["BTCUSDT"]
	e.stateMu.Unlock()
	if !ok {
		t.Error("expected pair state recorded after execution")
	}
}

func TestExecuteSliceConcurrentlyCancelsOutstandingLegOnTimeout(t *testing.T) {
	t.Parallel()
	pos := &fakePositions{}
	orders := &fakeOrders{waitErr: context.DeadlineExceeded}
	e := newTestEngine(pos, orders, &fakeRisk{}, &fakeDepth{})

	err := e.executeSliceConcurrently(context.Background(), "BTCUSDT", types.Buy, types.Sell, decimal.NewFromInt(1), time.Second)
	if err == nil {
		t.Fatal("expected error when both legs time out")
	}
	if len(orders.cancelled) != 2 {
		t.Errorf("expected both outstanding legs cancelled, got %d", len(orders.cancelled))
	}
}

func TestMonitorAndClosesTriggersOnProfitTake(t *testing.T) {
	t.Parallel()
	pos := &fakePositions{spotPnL: decimal.NewFromInt(500), futuresPnL: decimal.NewFromInt(500)}
	e := newTestEngine(pos, &fakeOrders{}, &fakeRisk{}, &fakeDepth{})

	snap := testSnapshot()
	e.stateMu.Lock()
	e.pairs[snap.Symbol] = types.PairState{
		Symbol:            snap.Symbol,
		EntryBasis:        decimal.NewFromFloat(0.001),
		TargetFundingTime: time.Now().Add(time.Hour),
	}
	e.stateMu.Unlock()

	// unrealized = 1000, position_size_usd = 1000 -> ratio 1.0 >= profit_take 0.9
	if err := e.monitorAndClose(context.Background(), snap); err != nil {
		t.Fatalf("monitorAndClose: %v", err)
	}
	if len(pos.closed) != 1 {
		t.Fatalf("expected 1 close call, got %d", len(pos.closed))
	}

	e.stateMu.Lock()
	_, stillOpen := e.pairs[snap.Symbol]
	e.stateMu.Unlock()
	if stillOpen {
		t.Error("expected pair state removed after close")
	}
}

func TestMonitorAndCloseTriggersOnStopLoss(t *testing.T) {
	t.Parallel()
	pos := &fakePositions{spotPnL: decimal.NewFromInt(-300), futuresPnL: decimal.NewFromInt(-300)}
	e := newTestEngine(pos, &fakeOrders{}, &fakeRisk{}, &fakeDepth{})

	snap := testSnapshot()
	e.stateMu.Lock()
	e.pairs[snap.Symbol] = types.PairState{
		Symbol:            snap.Symbol,
		EntryBasis:        decimal.NewFromFloat(0.001),
		TargetFundingTime: time.Now().Add(time.Hour),
	}
	e.stateMu.Unlock()

	// unrealized = -600, ratio -0.6 <= -stop_loss 0.5
	if err := e.monitorAndClose(context.Background(), snap); err != nil {
		t.Fatalf("monitorAndClose: %v", err)
	}
	if len(pos.closed) != 1 {
		t.Fatalf("expected 1 close call, got %d", len(pos.closed))
	}
}

func TestMonitorAndCloseTriggersOnFundingSettled(t *testing.T) {
	t.Parallel()
	pos := &fakePositions{}
	e := newTestEngine(pos, &fakeOrders{}, &fakeRisk{}, &fakeDepth{})

	snap := testSnapshot()
	e.stateMu.Lock()
	e.pairs[snap.Symbol] = types.PairState{
		Symbol:            snap.Symbol,
		EntryBasis:        decimal.NewFromFloat(0.001),
		TargetFundingTime: time.Now().Add(-time.Minute), // funding time already passed
	}
	e.stateMu.Unlock()

	if err := e.monitorAndClose(context.Background(), snap); err != nil {
		t.Fatalf("monitorAndClose: %v", err)
	}
	if len(pos.closed) != 1 {
		t.Fatalf("expected 1 close call after funding settlement, got %d", len(pos.closed))
	}
}

type fakeEventSink struct {
	opened []string
	closed []string
	reason string
}

func (f *fakeEventSink) PairOpened(symbol string, spotSize, futuresSize, entryBasis float64) {
	f.opened = append(f.opened, symbol)
}

func (f *fakeEventSink) PairClosed(symbol, reason string, entryBasis, exitBasis float64) {
	f.closed = append(f.closed, symbol)
	f.reason = reason
}

func TestExecutePairTradeNotifiesEventSink(t *testing.T) {
	t.Parallel()
	pos := &fakePositions{}
	e := newTestEngine(pos, &fakeOrders{}, &fakeRisk{}, &fakeDepth{})
	sink := &fakeEventSink{}
	e.SetEventSink(sink)

	if err := e.executePairTrade(context.Background(), testSnapshot(), decimal.NewFromInt(3)); err != nil {
		t.Fatalf("executePairTrade: %v", err)
	}
	if len(sink.opened) != 1 || sink.opened[0] != "BTCUSDT" {
		t.Errorf("expected PairOpened(BTCUSDT), got %v", sink.opened)
	}
}

func TestMonitorAndCloseNotifiesEventSinkWithReason(t *testing.T) {
	t.Parallel()
	pos := &fakePositions{spotPnL: decimal.NewFromInt(500), futuresPnL: decimal.NewFromInt(500)}
	e := newTestEngine(pos, &fakeOrders{}, &fakeRisk{}, &fakeDepth{})
	sink := &fakeEventSink{}
	e.SetEventSink(sink)

	snap := testSnapshot()
	e.stateMu.Lock()
	e.pairs[snap.Symbol] = types.PairState{
		Symbol:            snap.Symbol,
		EntryBasis:        decimal.NewFromFloat(0.001),
		TargetFundingTime: time.Now().Add(time.Hour),
	}
	e.stateMu.Unlock()

	if err := e.monitorAndClose(context.Background(), snap); err != nil {
		t.Fatalf("monitorAndClose: %v", err)
	}
	if len(sink.closed) != 1 || sink.closed[0] != "BTCUSDT" {
		t.Errorf("expected PairClosed(BTCUSDT), got %v", sink.closed)
	}
	if sink.reason != "profit_take" {
		t.Errorf("reason = %q, want profit_take", sink.reason)
	}
}

func TestMonitorAndCloseNoopWithinTolerance(t *testing.T) {
	t.Parallel()
	pos := &fakePositions{}
	e := newTestEngine(pos, &fakeOrders{}, &fakeRisk{}, &fakeDepth{})

	snap := testSnapshot()
	e.stateMu.Lock()
	e.pairs[snap.Symbol] = types.PairState{
		Symbol:            snap.Symbol,
		EntryBasis:        snap.Basis(),
		TargetFundingTime: time.Now().Add(time.Hour),
	}
	e.stateMu.Unlock()

	if err := e.monitorAndClose(context.Background(), snap); err != nil {
		t.Fatalf("monitorAndClose: %v", err)
	}
	if len(pos.closed) != 0 {
		t.Errorf("expected no close call, got %d", len(pos.closed))
	}
}

func TestRebalanceNoopWithinTolerance(t *testing.T) {
	t.Parallel()
	pos := &fakePositions{imbalance: decimal.NewFromFloat(0.005)}
	e := newTestEngine(pos, &fakeOrders{}, &fakeRisk{}, &fakeDepth{})

	if err := e.rebalance(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(pos.adjusted) != 0 {
		t.Errorf("expected no adjust call within tolerance, got %d", len(pos.adjusted))
	}
}

func TestRebalanceAdjustsOverWeightedLeg(t *testing.T) {
	t.Parallel()
	pos := &fakePositions{
		imbalance: decimal.NewFromFloat(1.0),
		snapshot: types.PairState{
			SpotSize:    decimal.NewFromInt(10),
			FuturesSize: decimal.NewFromInt(-9),
		},
	}
	e := newTestEngine(pos, &fakeOrders{}, &fakeRisk{}, &fakeDepth{})

	if err := e.rebalance(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(pos.adjusted) != 1 {
		t.Fatalf("expected 1 adjust call, got %d", len(pos.adjusted))
	}
	if !pos.adjusted[0].Equal(decimal.NewFromFloat(9.5)) {
		t.Errorf("adjusted target = %v, want 9.5 (spot reduced by half the imbalance)", pos.adjusted[0])
	}
}

func TestTryOpenPairSkipsWhenAlreadyOpen(t *testing.T) {
	t.Parallel()
	pos := &fakePositions{}
	depth := &fakeDepth{bids: wideDepth(decimal.NewFromInt(1000)), asks: wideDepth(decimal.NewFromInt(1000)), balance: decimal.NewFromInt(10000)}
	e := newTestEngine(pos, &fakeOrders{}, &fakeRisk{approve: true}, depth)

	e.stateMu.Lock()
	e.pairs["BTCUSDT"] = types.PairState{Symbol: "BTCUSDT"}
	e.stateMu.Unlock()

	if err := e.tryOpenPair(context.Background(), testSnapshot()); err != nil {
		t.Fatalf("tryOpenPair: %v", err)
	}
	if len(pos.opened) != 0 {
		t.Errorf("expected no new orders for an already-open pair, got %d", len(pos.opened))
	}
}

func TestTryOpenPairRejectedByRiskControllerPlacesNoOrders(t *testing.T) {
	t.Parallel()
	pos := &fakePositions{}
	depth := &fakeDepth{bids: wideDepth(decimal.NewFromInt(1000)), asks: wideDepth(decimal.NewFromInt(1000)), balance: decimal.NewFromInt(10000)}
	e := newTestEngine(pos, &fakeOrders{}, &fakeRisk{approve: false}, depth)

	if err := e.tryOpenPair(context.Background(), testSnapshot()); err != nil {
		t.Fatalf("tryOpenPair: %v", err)
	}
	if len(pos.opened) != 0 {
		t.Errorf("expected no orders when risk controller rejects, got %d", len(pos.opened))
	}
}

type emptyDataSource struct{}

func (emptyDataSource) ListSymbols(ctx context.Context) ([]string, error) { return nil, nil }
func (emptyDataSource) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (emptyDataSource) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (emptyDataSource) GetSpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (emptyDataSource) GetNextFundingTime(ctx context.Context, symbol string) (time.Time, error) {
	return time.Time{}, nil
}
func (emptyDataSource) Get24hVolume(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}
func (emptyDataSource) GetBestBidAsk(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	return decimal.Zero, decimal.Zero, nil
}

func TestTickMonitorsEveryOpenPairRegardlessOfRanking(t *testing.T) {
	t.Parallel()
	pos := &fakePositions{spotPnL: decimal.NewFromInt(500), futuresPnL: decimal.NewFromInt(500)}
	depth := &fakeDepth{bids: wideDepth(decimal.NewFromInt(1000)), asks: wideDepth(decimal.NewFromInt(1000)), balance: decimal.NewFromInt(10000)}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cache := market.NewCache()
	scan := market.NewScanner(emptyDataSource{}, logger)
	impact := NewImpactTracker(time.Hour, time.Hour)
	e := NewEngine(testConfig(), cache, scan, pos, &fakeOrders{}, &fakeRisk{}, depth, impact, logger)

	snap := testSnapshot()
	snap.Symbol = "ETHUSDT" // not returned by the empty scanner's ranked scan
	e.cache.Put(snap)
	e.stateMu.Lock()
	e.pairs[snap.Symbol] = types.PairState{
		Symbol:            snap.Symbol,
		EntryBasis:        decimal.NewFromFloat(0.001),
		TargetFundingTime: time.Now().Add(time.Hour),
	}
	e.stateMu.Unlock()

	if err := e.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(pos.closed) != 1 || pos.closed[0] != "ETHUSDT" {
		t.Errorf("expected open pair ETHUSDT monitored and closed despite dropping out of the ranked scan, got closed=%v", pos.closed)
	}
}
