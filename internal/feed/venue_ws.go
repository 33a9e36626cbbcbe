package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfold/arbengine/internal/domain"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadDeadline     = 30 * time.Second
	wsPingInterval     = 15 * time.Second
	wsReconnectDelay   = 2 * time.Second
)

// tickerEvent is the JSON shape pushed by venue book-ticker streams.
type tickerEvent struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// VenueStream connects to a venue's push stream and feeds best-price updates
// into the Service, bypassing the polling budget for venues that support
// push. It reconnects with a fixed delay on disconnect.
type VenueStream struct {
	venue     string
	wsURL     string
	pairs     [][2]string // (asset, fiat); subscribed as ASSETFIAT symbols
	svc       *Service
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewVenueStream creates a stream client that publishes into svc.
func NewVenueStream(venue, wsURL string, pairs [][2]string, svc *Service, logger *slog.Logger) *VenueStream {
	return &VenueStream{
		venue:  venue,
		wsURL:  wsURL,
		pairs:  pairs,
		svc:    svc,
		logger: logger.With(slog.String("component", "venue_stream"), slog.String("venue", venue)),
		done:   make(chan struct{}),
	}
}

// Run connects and pumps messages until ctx is cancelled or Close is called.
func (vs *VenueStream) Run(ctx context.Context) error {
	if len(vs.pairs) == 0 {
		vs.logger.Info("no pairs to subscribe, exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-vs.done:
			return nil
		default:
		}

		if err := vs.runConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			vs.logger.Warn("stream disconnected, reconnecting", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-vs.done:
			return nil
		case <-time.After(wsReconnectDelay):
		}
	}
}

func (vs *VenueStream) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, vs.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", vs.wsURL, err)
	}
	defer conn.Close()

	if err := vs.subscribe(conn); err != nil {
		return err
	}
	vs.logger.Info("stream subscribed", slog.Int("pairs", len(vs.pairs)))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	// Ping loop keeps the connection alive; read deadline detects dead peers.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	symbols := vs.symbolIndex()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := conn.SetReadDeadline(time.Now().Add(wsReadDeadline)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		vs.handleMessage(ctx, data, symbols)
	}
}

// subscribe sends the book-ticker subscription for all configured pairs.
func (vs *VenueStream) subscribe(conn *websocket.Conn) error {
	params := make([]string, 0, len(vs.pairs))
	for _, p := range vs.pairs {
		params = append(params, strings.ToLower(p[0]+p[1])+"@bookTicker")
	}
	sub := map[string]any{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     1,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

// symbolIndex maps the venue's concatenated symbol back to (asset, fiat).
func (vs *VenueStream) symbolIndex() map[string][2]string {
	idx := make(map[string][2]string, len(vs.pairs))
	for _, p := range vs.pairs {
		idx[strings.ToUpper(p[0]+p[1])] = p
	}
	return idx
}

func (vs *VenueStream) handleMessage(ctx context.Context, data []byte, symbols map[string][2]string) {
	var ev tickerEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Symbol == "" {
		return // subscription acks and heartbeats land here
	}
	pair, ok := symbols[strings.ToUpper(ev.Symbol)]
	if !ok {
		return
	}

	bid, err1 := strconv.ParseFloat(ev.BidPrice, 64)
	ask, err2 := strconv.ParseFloat(ev.AskPrice, 64)
	if err1 != nil || err2 != nil {
		return
	}
	bidQty, _ := strconv.ParseFloat(ev.BidQty, 64)
	askQty, _ := strconv.ParseFloat(ev.AskQty, 64)

	vs.svc.Ingest(ctx, domain.Spread{
		Asset:     pair[0],
		Fiat:      pair[1],
		Venue:     vs.venue,
		BestBid:   bid,
		BestAsk:   ask,
		DepthBid:  bidQty,
		DepthAsk:  askQty,
		Timestamp: time.Now().UTC(),
	})
}

// Close stops the stream.
func (vs *VenueStream) Close() {
	vs.closeOnce.Do(func() { close(vs.done) })
}
