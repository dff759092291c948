package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	mainnetWSURL = "wss://stream.bybit.com/v5/public/linear"
	testnetWSURL = "wss://stream-testnet.bybit.com/v5/public/linear"

	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 20 * time.Second
)

// PriceCallback receives each ticker update from the public stream.
type PriceCallback func(symbol string, price float64, ts time.Time)

// Stream maintains a public ticker websocket subscription with automatic
// reconnection. It supplements the REST poll-time price sampling with a
// denser feed into the grid engine's price history.
type Stream struct {
	url      string
	symbol   string
	callback PriceCallback
	logger   *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStream creates a ticker stream for one symbol.
func NewStream(symbol string, testnet bool, callback PriceCallback, logger *zap.Logger) *Stream {
	url := mainnetWSURL
	if testnet {
		url = testnetWSURL
	}
	return &Stream{
		url:      url,
		symbol:   symbol,
		callback: callback,
		logger:   logger,
	}
}

// SetURL points the stream at a different endpoint. Used by tests.
func (s *Stream) SetURL(u string) { s.url = u }

// Start dials the stream and launches the read and heartbeat loops.
func (s *Stream) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.connect(); err != nil {
		return fmt.Errorf("initial stream connect: %w", err)
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeat()
	return nil
}

// Stop tears the connection down and waits for the loops to exit.
func (s *Stream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
	s.mu.Unlock()
	s.wg.Wait()
}

type wsSubscribe struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type wsTickerMessage struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		MarkPrice string `json:"markPrice"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

func (s *Stream) connect() error {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	sub := wsSubscribe{Op: "subscribe", Args: []string{"tickers." + s.symbol}}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", s.symbol, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	s.logger.Info("ticker stream connected", zap.String("symbol", s.symbol))
	return nil
}

func (s *Stream) readLoop() {
	defer s.wg.Done()

	attempt := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		connected := s.connected
		s.mu.Unlock()

		if !connected || conn == nil {
			if !sleepCtx(s.ctx, retryBackoff(attempt)) {
				return
			}
			if err := s.connect(); err != nil {
				attempt++
				s.logger.Warn("ticker stream reconnect failed",
					zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			attempt = 0
			continue
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("ticker stream read error", zap.Error(err))
			s.mu.Lock()
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			s.connected = false
			s.mu.Unlock()
			continue
		}

		s.handleMessage(data)
	}
}

func (s *Stream) handleMessage(data []byte) {
	var msg wsTickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Topic == "" || msg.Data.Symbol != s.symbol {
		return
	}

	price := Float(msg.Data.MarkPrice)
	if price <= 0 {
		price = Float(msg.Data.LastPrice)
	}
	if price <= 0 {
		return
	}
	s.callback(s.symbol, price, time.Now().UTC())
}

func (s *Stream) heartbeat() {
	defer s.wg.Done()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				s.logger.Warn("ticker stream ping failed", zap.Error(err))
			}
		}
	}
}
