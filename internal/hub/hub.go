package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"signal-trader/internal/logger"
	"signal-trader/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	reconnectGap = 5 * time.Second
)

// Envelope is the hub's wire frame: a channel name plus a raw payload.
type Envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// StrategyPayload is one entry of the hub's strategy-list event.
type StrategyPayload struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	IsActive    bool            `json:"isActive"`
	StopLoss    decimal.Decimal `json:"stopLoss"`
	TakeProfit  decimal.Decimal `json:"takeProfit"`
	TradeAmount decimal.Decimal `json:"tradeAmount"`
	TradingType string          `json:"tradingType"`
}

// SignalPayload is the hub's buy/sell/close/stop signal event.
type SignalPayload struct {
	IsNew        bool            `json:"isNew"`
	Nickname     string          `json:"nickname"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Score        decimal.Decimal `json:"score"`
	StrategyID   string          `json:"strategyId"`
	StrategyName string          `json:"strategyName"`
	UserID       string          `json:"userId"`
}

// OpenTrade is one entry of the hub's reported open-trade list, pulled once
// at startup for reconciliation.
type OpenTrade struct {
	StrategyID   string          `json:"strategyId"`
	StrategyName string          `json:"strategyName"`
	Symbol       string          `json:"symbol"`
	Position     string          `json:"positionType"`
	TradingType  string          `json:"tradingType"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Time         time.Time       `json:"time"`
}

// Handler receives decoded inbound hub events.
type Handler interface {
	OnStrategies(strategies []models.Strategy)
	OnSignal(sig models.Signal)
}

// Client maintains the websocket connection to the signal hub: a read loop
// with ping/pong keepalive and automatic reconnects, plus outbound
// acknowledgement writes.
type Client struct {
	url     string
	apiKey  string
	handler Handler

	mu         sync.Mutex
	conn       *websocket.Conn
	openTrades chan []OpenTrade
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewClient builds a hub client; Run must be called to connect.
func NewClient(url, apiKey string, handler Handler) *Client {
	return &Client{
		url:        url,
		apiKey:     apiKey,
		handler:    handler,
		openTrades: make(chan []OpenTrade, 1),
		stop:       make(chan struct{}),
	}
}

// Run keeps the connection alive until Stop. Blocks; run in a goroutine.
func (c *Client) Run() {
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			logger.S().Errorf("hub connect failed: %v, retrying in %s", err, reconnectGap)
			select {
			case <-time.After(reconnectGap):
			case <-c.stop:
				return
			}
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		logger.S().Info("connected to signal hub")

		if err := c.readLoop(conn); err != nil {
			logger.S().Errorf("hub connection lost: %v", err)
		}
		conn.Close()
		select {
		case <-time.After(reconnectGap):
		case <-c.stop:
			return
		}
	}
}

// Stop closes the connection and ends Run.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-c.stop:
				return
			}
		}
	}()

	for {
		select {
		case <-c.stop:
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(message)
	}
}

func (c *Client) dispatch(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		logger.S().Warnf("undecodable hub frame: %v", err)
		return
	}

	switch env.Channel {
	case "strategies":
		var payload []StrategyPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			logger.S().Warnf("bad strategies payload: %v", err)
			return
		}
		strategies := make([]models.Strategy, 0, len(payload))
		for _, p := range payload {
			strategies = append(strategies, models.Strategy{
				ID:          p.ID,
				Name:        p.Name,
				IsActive:    p.IsActive,
				StopLoss:    p.StopLoss,
				TakeProfit:  p.TakeProfit,
				TradeAmount: p.TradeAmount,
				TradingType: models.TradingType(p.TradingType),
			})
		}
		c.handler.OnStrategies(strategies)

	case "buy_signal", "sell_signal", "close_buy_signal", "close_sell_signal", "stop_signal":
		var payload SignalPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			logger.S().Warnf("bad signal payload on %s: %v", env.Channel, err)
			return
		}
		sig, err := signalFromChannel(env.Channel, payload)
		if err != nil {
			logger.S().Warnf("unroutable signal: %v", err)
			return
		}
		c.handler.OnSignal(sig)

	case "open_trades":
		var payload []OpenTrade
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			logger.S().Warnf("bad open-trades payload: %v", err)
			return
		}
		select {
		case c.openTrades <- payload:
		default:
		}

	default:
		logger.S().Debugf("ignoring hub channel %q", env.Channel)
	}
}

// signalFromChannel resolves entry and position from the channel the signal
// arrived on: buys open LONGs and close SHORTs, sells open SHORTs and close
// LONGs; stop maps to a manual-style close of the LONG side.
func signalFromChannel(channel string, p SignalPayload) (models.Signal, error) {
	sig := models.Signal{
		Source:       models.SourceSignal,
		Price:        p.Price,
		StrategyID:   p.StrategyID,
		StrategyName: p.StrategyName,
		Symbol:       p.Symbol,
		UserID:       p.UserID,
		Nickname:     p.Nickname,
		Score:        p.Score,
		Timestamp:    time.Now(),
	}
	switch channel {
	case "buy_signal":
		sig.Entry, sig.Position = models.Enter, models.Long
	case "sell_signal":
		sig.Entry, sig.Position = models.Enter, models.Short
	case "close_buy_signal":
		sig.Entry, sig.Position = models.Exit, models.Long
	case "close_sell_signal":
		sig.Entry, sig.Position = models.Exit, models.Short
	case "stop_signal":
		sig.Entry, sig.Position, sig.Source = models.Exit, models.Long, models.SourceManual
	default:
		return sig, fmt.Errorf("unknown signal channel %q", channel)
	}
	if !p.IsNew {
		return sig, fmt.Errorf("stale signal on %s for %s", channel, p.Symbol)
	}
	return sig, nil
}

// SendAck emits a trade acknowledgement on the channel named for the
// executed action. Failures are logged; the hub reconciles on next start.
func (c *Client) SendAck(channel string, ack models.TradeAck) {
	blob, err := json.Marshal(Envelope{Channel: channel, Data: mustMarshal(ack)})
	if err != nil {
		logger.S().Errorf("marshal ack: %v", err)
		return
	}
	if err := c.writeText(blob); err != nil {
		logger.S().Errorf("send ack on %s failed: %v", channel, err)
	}
}

// RequestOpenTrades asks the hub for its current open-trade list and waits
// for the response.
func (c *Client) RequestOpenTrades(ctx context.Context) ([]OpenTrade, error) {
	blob, _ := json.Marshal(Envelope{Channel: "get_open_trades", Data: mustMarshal(map[string]string{"apiKey": c.apiKey})})
	if err := c.writeText(blob); err != nil {
		return nil, fmt.Errorf("request open trades: %w", err)
	}
	select {
	case trades := <-c.openTrades:
		return trades, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for open trades: %w", ctx.Err())
	}
}

// WaitConnected blocks until the first successful connection or ctx expiry.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		connected := c.conn != nil
		c.mu.Unlock()
		if connected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("hub not connected")
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) writeText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func mustMarshal(v interface{}) json.RawMessage {
	blob, _ := json.Marshal(v)
	return blob
}
