package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"fundingarb/pkg/types"
)

const (
	eventBufferSize  = 256
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// EventKind tags a streaming push message.
type EventKind string

const (
	EventMarkPrice     EventKind = "MARK_PRICE"
	EventFundingRate   EventKind = "FUNDING_RATE"
	EventBookTicker    EventKind = "BOOK_TICKER"
	EventOrderUpdate   EventKind = "ORDER_UPDATE"
	EventAccountUpdate EventKind = "ACCOUNT_UPDATE"
	EventPositionUpdate EventKind = "POSITION_UPDATE"
)

// StreamEvent is a single typed push message from the streaming feed.
type StreamEvent struct {
	Kind   EventKind
	Symbol string
	Raw    json.RawMessage
}

// Subscriber receives streaming events. A single interface (rather than
// per-event-kind lambdas) keeps dispatch uniform: callers switch on
// evt.Kind themselves.
type Subscriber interface {
	OnStreamEvent(evt StreamEvent)
}

// Stream manages a single WebSocket connection to the venue's public and
// user data streams. It reconnects with exponential backoff and
// re-subscribes to every previously-subscribed channel exactly once per
// reconnect.
type Stream struct {
	url    string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu   sync.RWMutex
	subs    map[string]bool // subscribed channel names

	listenersMu sync.RWMutex
	listeners   []Subscriber

	pingInterval time.Duration
	pongTimeout  time.Duration

	nextID int
}

// NewStream creates a Stream. pingInterval/pongTimeout come from
// websocket.{ping_interval_sec, pong_timeout_sec}.
func NewStream(url string, pingInterval, pongTimeout time.Duration, logger *slog.Logger) *Stream {
	return &Stream{
		url:          url,
		logger:       logger.With("component", "stream"),
		subs:         make(map[string]bool),
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
	}
}

// AddSubscriber registers a listener for every dispatched event.
func (s *Stream) AddSubscriber(sub Subscriber) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, sub)
}

// Subscribe adds channels (e.g. "btcusdt@markPrice") to the live
// subscription set and, if connected, sends the SUBSCRIBE frame
// immediately.
func (s *Stream) Subscribe(channels []string) error {
	s.subMu.Lock()
	for _, c := range channels {
		s.subs[c] = true
	}
	s.subMu.Unlock()
	return s.send("SUBSCRIBE", channels)
}

// Unsubscribe removes channels from the live subscription set.
func (s *Stream) Unsubscribe(channels []string) error {
	s.subMu.Lock()
	for _, c := range channels {
		delete(s.subs, c)
	}
	s.subMu.Unlock()
	return s.send("UNSUBSCRIBE", channels)
}

func (s *Stream) send(method string, params []string) error {
	s.nextID++
	msg := map[string]interface{}{
		"method": method,
		"params": params,
		"id":     s.nextID,
	}
	return s.writeJSON(msg)
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	s.logger.Info("stream connected", "url", s.url)

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(pingCtx)

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(msg)
	}
}

// resubscribeAll re-sends SUBSCRIBE for every channel tracked before the
// reconnect, exactly once, so callers see no duplicate confirmations.
func (s *Stream) resubscribeAll() error {
	s.subMu.RLock()
	channels := make([]string, 0, len(s.subs))
	for c := range s.subs {
		channels = append(channels, c)
	}
	s.subMu.RUnlock()

	if len(channels) == 0 {
		return nil
	}
	return s.send("SUBSCRIBE", channels)
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// dispatch classifies a raw message by its stream-name suffix and fans it
// out to every registered subscriber by calling each listener's
// OnStreamEvent in turn. This method runs on the single stream goroutine,
// so a listener that blocks holds up every later listener and message.
func (s *Stream) dispatch(data []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Debug("ignoring non-envelope stream message", "data", string(data))
		return
	}

	kind, symbol := classifyStreamName(env.Stream)
	if kind == "" {
		s.logger.Debug("unknown stream channel", "stream", env.Stream)
		return
	}

	evt := StreamEvent{Kind: kind, Symbol: symbol, Raw: env.Data}

	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, l := range s.listeners {
		l.OnStreamEvent(evt)
	}
}

func classifyStreamName(stream string) (EventKind, string) {
	parts := strings.SplitN(stream, "@", 2)
	if len(parts) != 2 {
		return "", ""
	}
	symbol := strings.ToUpper(parts[0])
	switch parts[1] {
	case "markPrice":
		return EventMarkPrice, symbol
	case "fundingRate":
		return EventFundingRate, symbol
	case "bookTicker":
		return EventBookTicker, symbol
	case "order":
		return EventOrderUpdate, symbol
	case "account":
		return EventAccountUpdate, symbol
	case "position":
		return EventPositionUpdate, symbol
	default:
		return "", ""
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			s.connMu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

// DecodeOrderUpdate parses a raw ORDER_UPDATE payload into an OrderRecord.
func DecodeOrderUpdate(raw json.RawMessage) (types.OrderRecord, error) {
	var payload struct {
		Symbol      string `json:"s"`
		OrderID     int64  `json:"i"`
		Status      string `json:"X"`
		ExecutedQty string `json:"z"`
		AvgPrice    string `json:"ap"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return types.OrderRecord{}, err
	}
	record := toOrderRecord(payload.Symbol, orderResponse{
		OrderID:     payload.OrderID,
		Status:      payload.Status,
		ExecutedQty: payload.ExecutedQty,
		AvgPrice:    payload.AvgPrice,
	})
	return record, nil
}

// DecodePositionUpdate parses a raw POSITION_UPDATE payload into a
// PositionRecord plus a flag reporting whether it describes the spot leg
// (ps == "SPOT") or the futures leg.
func DecodePositionUpdate(raw json.RawMessage) (types.PositionRecord, bool, error) {
	var payload struct {
		Symbol     string `json:"s"`
		Amount     string `json:"pa"`
		EntryPrice string `json:"ep"`
		MarkPrice  string `json:"mp"`
		PnL        string `json:"up"`
		Side       string `json:"ps"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return types.PositionRecord{}, false, err
	}

	size, _ := decimal.NewFromString(payload.Amount)
	entry, _ := decimal.NewFromString(payload.EntryPrice)
	mark, _ := decimal.NewFromString(payload.MarkPrice)
	pnl, _ := decimal.NewFromString(payload.PnL)

	record := types.PositionRecord{
		Symbol:        payload.Symbol,
		Size:          size,
		EntryPrice:    entry,
		MarkPrice:     mark,
		UnrealizedPnL: pnl,
		UpdatedAt:     time.Now(),
	}
	isSpot := payload.Side == "SPOT"
	return record, isSpot, nil
}
