package brokers

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/conductor/internal/domain"
)

const (
	wsWriteWait   = 10 * time.Second
	wsDialTimeout = 30 * time.Second

	// The gateway drops idle websocket sessions after a minute.
	wsKeepaliveInterval = 55 * time.Second

	wsBaseReconnectDelay   = 5 * time.Second
	wsMaxReconnectDelay    = 5 * time.Minute
	wsMaxReconnectAttempts = 10
)

// OrderUpdate is one order-state change pushed by a broker stream.
type OrderUpdate struct {
	BrokerOrderID string
	LocalOrderID  string // client order id echoed back by the broker
	Symbol        string
	Status        domain.OrderStatus
	FilledQty     float64
	AvgFillPrice  float64
}

// IBKRStream subscribes to the gateway's order-status websocket channel and
// delivers updates to a handler. Fills for resting IBKR orders arrive here,
// not on the synchronous order reply.
type IBKRStream struct {
	url        string
	httpClient *http.Client
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	handler func(OrderUpdate)
	log     zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool
}

// createInsecureHTTP1Client creates an HTTP client that forces HTTP/1.1 and
// accepts the gateway's self-signed localhost certificate. The websocket
// upgrade handshake fails if TLS ALPN negotiates HTTP/2.
func createInsecureHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos:         []string{"http/1.1"},
				InsecureSkipVerify: true,
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// IBKRStreamURL derives the gateway's websocket endpoint from its REST
// base URL.
func IBKRStreamURL(gatewayURL string) string {
	u := strings.TrimSuffix(gatewayURL, "/") + "/ws"
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	if strings.HasPrefix(u, "http://") {
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// NewIBKRStream creates an order-stream client. The handler runs on the
// stream's read goroutine and must not block.
func NewIBKRStream(url string, handler func(OrderUpdate), log zerolog.Logger) *IBKRStream {
	return &IBKRStream{
		url:        url,
		httpClient: createInsecureHTTP1Client(),
		handler:    handler,
		log:        log.With().Str("component", "ibkr_stream").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// Start establishes the websocket connection and starts the read loop.
func (ws *IBKRStream) Start() error {
	ws.log.Info().Msg("Starting IBKR order stream")

	if err := ws.Connect(); err != nil {
		ws.log.Warn().Err(err).Msg("Initial order stream connection failed, will retry in background")
		go ws.reconnectLoop()
		return err
	}

	ws.mu.RLock()
	ctx := ws.connCtx
	ws.mu.RUnlock()
	go ws.readMessages(ctx)
	go ws.keepaliveLoop(ctx)

	ws.log.Info().Msg("IBKR order stream started")
	return nil
}

// Stop shuts the stream down and suppresses reconnection.
func (ws *IBKRStream) Stop() error {
	ws.mu.Lock()
	if ws.stopped {
		ws.mu.Unlock()
		return nil
	}
	ws.stopped = true
	ws.mu.Unlock()

	ws.log.Info().Msg("Stopping IBKR order stream")
	close(ws.stopChan)
	return ws.Disconnect()
}

// Connect dials the gateway websocket and subscribes to order updates.
func (ws *IBKRStream) Connect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.log.Info().Str("url", ws.url).Msg("Connecting to IBKR gateway websocket")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), wsDialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, ws.url, &websocket.DialOptions{
		HTTPClient: ws.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial gateway websocket: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	ws.conn = conn
	ws.connCtx = connCtx
	ws.cancelFunc = connCancel
	ws.connected = true

	if err := ws.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		ws.conn = nil
		ws.connCtx = nil
		ws.cancelFunc = nil
		ws.connected = false
		return fmt.Errorf("failed to subscribe to order updates: %w", err)
	}

	ws.log.Info().Msg("Connected to IBKR gateway websocket")
	return nil
}

// Disconnect closes the websocket connection.
func (ws *IBKRStream) Disconnect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.conn == nil {
		return nil
	}

	ws.log.Info().Msg("Disconnecting from IBKR gateway websocket")

	if ws.cancelFunc != nil {
		ws.cancelFunc()
		ws.cancelFunc = nil
	}

	err := ws.conn.Close(websocket.StatusNormalClosure, "")

	ws.conn = nil
	ws.connCtx = nil
	ws.connected = false

	if err != nil {
		return fmt.Errorf("error closing gateway websocket: %w", err)
	}
	return nil
}

// subscribe requests the order-status channel. The gateway protocol is a
// plain text frame: topic, '+', JSON arguments.
func (ws *IBKRStream) subscribe(ctx context.Context) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteWait)
	defer cancel()

	if err := ws.conn.Write(writeCtx, websocket.MessageText, []byte("sor+{}")); err != nil {
		return fmt.Errorf("failed to send subscription message: %w", err)
	}

	ws.log.Info().Msg("Subscribed to order status channel")
	return nil
}

// keepaliveLoop sends the gateway's session heartbeat until the connection
// context is cancelled.
func (ws *IBKRStream) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(wsKeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ws.stopChan:
			return
		case <-ticker.C:
		}

		ws.mu.RLock()
		conn := ws.conn
		ws.mu.RUnlock()
		if conn == nil {
			return
		}

		writeCtx, cancel := context.WithTimeout(ctx, wsWriteWait)
		err := conn.Write(writeCtx, websocket.MessageText, []byte("tic"))
		cancel()
		if err != nil {
			ws.log.Warn().Err(err).Msg("Failed to send websocket keepalive")
			return
		}
	}
}

// readMessages continuously reads messages until the connection drops, then
// hands off to the reconnect loop.
func (ws *IBKRStream) readMessages(ctx context.Context) {
	defer func() {
		ws.log.Info().Msg("Order stream read loop stopped")
		ws.mu.RLock()
		stopped := ws.stopped
		ws.mu.RUnlock()
		if !stopped {
			go ws.reconnectLoop()
		}
	}()

	for {
		select {
		case <-ws.stopChan:
			return
		case <-ctx.Done():
			ws.log.Debug().Msg("Read loop context cancelled")
			return
		default:
		}

		ws.mu.RLock()
		conn := ws.conn
		ws.mu.RUnlock()

		if conn == nil {
			ws.log.Warn().Msg("Connection is nil, stopping read loop")
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				ws.log.Info().Int("status", int(closeStatus)).Msg("Websocket closed normally")
			} else if ctx.Err() != nil {
				ws.log.Debug().Msg("Read cancelled by context")
			} else {
				ws.log.Error().Err(err).Msg("Unexpected websocket read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		if err := ws.handleMessage(message); err != nil {
			ws.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle stream message")
		}
	}
}

type ibkrStreamFrame struct {
	Topic string          `json:"topic"`
	Args  json.RawMessage `json:"args"`
}

type ibkrStreamOrder struct {
	OrderID        int64   `json:"orderId"`
	OrderRef       string  `json:"order_ref"`
	Ticker         string  `json:"ticker"`
	Status         string  `json:"status"`
	FilledQuantity float64 `json:"filledQuantity"`
	AvgPrice       string  `json:"avgPrice"`
}

// handleMessage decodes a gateway frame and forwards order updates. System
// frames (heartbeats, bulletins) are ignored.
func (ws *IBKRStream) handleMessage(message []byte) error {
	var frame ibkrStreamFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return fmt.Errorf("failed to parse stream frame: %w", err)
	}

	if frame.Topic != "sor" {
		ws.log.Debug().Str("topic", frame.Topic).Msg("Ignoring non-order frame")
		return nil
	}
	if len(frame.Args) == 0 {
		return nil
	}

	var orders []ibkrStreamOrder
	if err := json.Unmarshal(frame.Args, &orders); err != nil {
		return fmt.Errorf("failed to parse order update args: %w", err)
	}

	for _, o := range orders {
		avgPrice := 0.0
		if o.AvgPrice != "" {
			parsed, err := strconv.ParseFloat(o.AvgPrice, 64)
			if err != nil {
				ws.log.Warn().Str("avg_price", o.AvgPrice).Msg("Unparseable average price in order update")
			} else {
				avgPrice = parsed
			}
		}

		update := OrderUpdate{
			BrokerOrderID: strconv.FormatInt(o.OrderID, 10),
			LocalOrderID:  o.OrderRef,
			Symbol:        o.Ticker,
			Status:        ibkrStatus(o.Status),
			FilledQty:     o.FilledQuantity,
			AvgFillPrice:  avgPrice,
		}

		ws.log.Debug().
			Str("broker_order_id", update.BrokerOrderID).
			Str("local_order_id", update.LocalOrderID).
			Str("status", string(update.Status)).
			Float64("filled_qty", update.FilledQty).
			Msg("Order update received")

		if ws.handler != nil {
			ws.handler(update)
		}
	}
	return nil
}

// reconnectLoop retries the connection with exponential backoff.
func (ws *IBKRStream) reconnectLoop() {
	ws.mu.Lock()
	if ws.reconnecting || ws.stopped {
		ws.mu.Unlock()
		return
	}
	ws.reconnecting = true
	ws.mu.Unlock()

	defer func() {
		ws.mu.Lock()
		ws.reconnecting = false
		ws.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-ws.stopChan:
			ws.log.Info().Msg("Reconnection loop stopped")
			return
		default:
		}

		ws.mu.RLock()
		stopped := ws.stopped
		ws.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := ws.calculateBackoff(attempt)

		if attempt <= wsMaxReconnectAttempts {
			ws.log.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Attempting to reconnect order stream")
		} else {
			ws.log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Reconnection attempt (exceeded max attempts, will keep retrying)")
		}

		select {
		case <-time.After(delay):
		case <-ws.stopChan:
			return
		}

		if err := ws.Connect(); err != nil {
			ws.log.Error().Err(err).Int("attempt", attempt).Msg("Reconnection failed")
			continue
		}

		ws.log.Info().Int("attempt", attempt).Msg("Order stream reconnected")

		ws.mu.RLock()
		ctx := ws.connCtx
		ws.mu.RUnlock()
		go ws.readMessages(ctx)
		go ws.keepaliveLoop(ctx)
		return
	}
}

func (ws *IBKRStream) calculateBackoff(attempt int) time.Duration {
	delay := float64(wsBaseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(wsMaxReconnectDelay) {
		delay = float64(wsMaxReconnectDelay)
	}
	return time.Duration(delay)
}

// IsConnected reports the current connection state.
func (ws *IBKRStream) IsConnected() bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.connected
}
