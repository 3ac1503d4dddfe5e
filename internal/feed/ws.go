package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = time.Second
	maxReconnectDelay = 60 * time.Second
)

// WSConfig configures one venue stream.
type WSConfig struct {
	Venue       string
	URL         string
	Instruments []string
	// HandshakeTimeout bounds each dial. Zero means 15s.
	HandshakeTimeout time.Duration
}

// subscribeCommand is sent once per connection.
type subscribeCommand struct {
	Type        string   `json:"type"`
	Instruments []string `json:"instruments"`
}

// WSFeed streams quotes for one venue. It reconnects with exponential
// backoff until its context is cancelled, resubscribing every time.
type WSFeed struct {
	cfg    WSConfig
	sink   QuoteSink
	dec    *decoder
	logger *slog.Logger

	// reconnectDelay is the first backoff step; tests shorten it.
	reconnectDelay time.Duration
}

func NewWSFeed(cfg WSConfig, sink QuoteSink, logger *slog.Logger) *WSFeed {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	return &WSFeed{
		cfg:            cfg,
		sink:           sink,
		dec:            &decoder{venue: cfg.Venue, now: time.Now},
		reconnectDelay: reconnectDelay,
		logger: logger.With(
			slog.String("component", "ws_feed"),
			slog.String("venue", cfg.Venue),
		),
	}
}

// Run blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	delay := f.reconnectDelay
	for {
		start := time.Now()
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A connection that stayed up for a while resets the backoff.
		if time.Since(start) > maxReconnectDelay {
			delay = f.reconnectDelay
		}
		f.logger.WarnContext(ctx, "feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (f *WSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.cfg.URL, err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(msgType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(msgType, data)
	}

	if len(f.cfg.Instruments) > 0 {
		writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteJSON(subscribeCommand{Type: "subscribe", Instruments: f.cfg.Instruments})
		writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("feed: subscribe: %w", err)
		}
	}
	f.logger.InfoContext(ctx, "feed connected", slog.Int("instruments", len(f.cfg.Instruments)))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Closing the connection unblocks ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = write(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handle(ctx, msg)
	}
}

func (f *WSFeed) handle(ctx context.Context, msg []byte) {
	quotes, err := f.dec.decode(msg)
	for _, q := range quotes {
		f.sink.SubmitQuote(q)
	}
	if err != nil {
		f.logger.DebugContext(ctx, "feed message dropped",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(msg)),
		)
	}
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("closed by peer (%d)", ce.Code)
	}
	return err.Error()
}
