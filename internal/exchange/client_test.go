package exchange

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/internal/ratelimit"
	"fundingarb/pkg/types"
)

func newDryRunClient() *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Client{
		dryRun:  true,
		auth:    NewAuth("k", "s"),
		limiter: ratelimit.NewLimiter(10, 5),
		logger:  logger,
	}
}

func TestDryRunPlaceOrderReturnsSyntheticID(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	req := types.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     types.Buy,
		Type:     types.Market,
		Quantity: decimal.NewFromFloat(0.01),
	}

	id, err := c.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id == "" {
		t.Error("expected non-empty order id")
	}
}

func TestDryRunPlaceOrderRejectsInvalidRequest(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	_, err := c.PlaceOrder(context.Background(), types.OrderRequest{Symbol: ""})
	if err == nil {
		t.Fatal("expected validation error for empty symbol")
	}
	exErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if exErr.Kind != KindInvalidRequest {
		t.Errorf("Kind = %v, want %v", exErr.Kind, KindInvalidRequest)
	}
}

func TestDryRunCancelOrderNoop(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	if err := c.CancelOrder(context.Background(), "BTCUSDT", "12345"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}

func TestNewClientDryRunFromConfig(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Config{
		DryRun: true,
		API: config.APIConfig{
			Binance: config.BinanceConfig{BaseURL: "http://localhost", APIKey: "k", APISecret: "s"},
		},
	}
	limiter := ratelimit.NewLimiter(10, 5)
	c := NewClient(cfg, limiter, logger)

	if !c.dryRun {
		t.Error("client.dryRun should be true when config.DryRun is true")
	}
}

func TestClassifyStatusRetriableCodes(t *testing.T) {
	t.Parallel()
	for _, status := range []int{408, 429, 500, 502, 503, 504} {
		err := classifyStatus("op", status, nil)
		if !err.Retriable {
			t.Errorf("status %d: expected retriable", status)
		}
	}
	err := classifyStatus("op", 400, nil)
	if err.Retriable {
		t.Error("status 400: expected non-retriable")
	}
	if err.Kind != KindInvalidRequest {
		t.Errorf("status 400: Kind = %v, want %v", err.Kind, KindInvalidRequest)
	}
}
