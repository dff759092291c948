package exchange

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type tickSink struct {
	mu    sync.Mutex
	ticks []float64
}

func (ts *tickSink) record(symbol string, price float64, t time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.ticks = append(ts.ticks, price)
}

func (ts *tickSink) prices() []float64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]float64{}, ts.ticks...)
}

func TestStreamDeliversTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subs := make(chan wsSubscribe, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub wsSubscribe
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		select {
		case subs <- sub:
		default:
		}

		msgs := []string{
			`{"topic":"tickers.XRPUSDT","data":{"symbol":"XRPUSDT","markPrice":"0.5125","lastPrice":"0.5123"}}`,
			`{"op":"pong"}`, // control frame, no topic
			`{"topic":"tickers.XRPUSDT","data":{"symbol":"XRPUSDT","markPrice":"","lastPrice":"0.5130"}}`,
			`{"topic":"tickers.BTCUSDT","data":{"symbol":"BTCUSDT","markPrice":"50000"}}`,
		}
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// keep the connection open so the stream does not reconnect
		conn.ReadMessage()
	}))
	defer srv.Close()

	sink := &tickSink{}
	stream := NewStream("XRPUSDT", true, sink.record, zap.NewNop())
	stream.SetURL("ws" + strings.TrimPrefix(srv.URL, "http"))

	require.NoError(t, stream.Start())
	defer stream.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.prices()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sub := <-subs
	assert.Equal(t, "subscribe", sub.Op)
	assert.Equal(t, []string{"tickers.XRPUSDT"}, sub.Args)

	prices := sink.prices()
	require.Len(t, prices, 2, "other symbols and empty prices are dropped")
	assert.Equal(t, 0.5125, prices[0], "mark price preferred")
	assert.Equal(t, 0.5130, prices[1], "last price as fallback")
}

func TestHandleMessageIgnoresMalformed(t *testing.T) {
	sink := &tickSink{}
	s := NewStream("XRPUSDT", true, sink.record, zap.NewNop())

	s.handleMessage([]byte(`not json`))
	s.handleMessage([]byte(`{"topic":"","data":{}}`))
	s.handleMessage([]byte(`{"topic":"tickers.XRPUSDT","data":{"symbol":"XRPUSDT","markPrice":"0","lastPrice":"-1"}}`))

	assert.Empty(t, sink.prices())
}
