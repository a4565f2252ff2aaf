package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PriceStream keeps a mark-price cache fed by the combined markPrice websocket stream.
type PriceStream struct {
	baseURL    string
	staleAfter time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	logger     *zap.Logger

	mu      sync.RWMutex
	prices  map[string]priceEntry
	symbols []string
	resub   chan struct{}
	now     func() time.Time
}

type priceEntry struct {
	price float64
	at    time.Time
}

// NewPriceStream creates a stream against wsBaseURL (e.g. wss://fstream.binance.com).
func NewPriceStream(wsBaseURL string, staleAfter, pongWait, pingPeriod time.Duration, logger *zap.Logger) *PriceStream {
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = pongWait * 9 / 10
	}
	return &PriceStream{
		baseURL:    strings.TrimRight(wsBaseURL, "/"),
		staleAfter: staleAfter,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
		logger:     logger,
		prices:     make(map[string]priceEntry),
		resub:      make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Price returns a cached price younger than the staleness bound.
func (s *PriceStream) Price(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.prices[symbol]
	if !ok || s.now().Sub(e.at) > s.staleAfter {
		return 0, false
	}
	return e.price, true
}

// Update stores a price, e.g. from a REST fallback.
func (s *PriceStream) Update(symbol string, price float64) {
	s.mu.Lock()
	s.prices[symbol] = priceEntry{price: price, at: s.now()}
	s.mu.Unlock()
}

// SetSymbols changes the subscription; the connection is re-established if it differs.
func (s *PriceStream) SetSymbols(symbols []string) {
	next := append([]string(nil), symbols...)
	sort.Strings(next)
	s.mu.Lock()
	changed := strings.Join(next, ",") != strings.Join(s.symbols, ",")
	s.symbols = next
	s.mu.Unlock()
	if changed {
		select {
		case s.resub <- struct{}{}:
		default:
		}
	}
}

// Run maintains the connection until ctx is done, reconnecting after failures.
func (s *PriceStream) Run(ctx context.Context) error {
	for {
		s.mu.RLock()
		symbols := append([]string(nil), s.symbols...)
		s.mu.RUnlock()

		if len(symbols) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-s.resub:
				continue
			}
		}

		err := s.session(ctx, symbols)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Warn("Price stream disconnected, reconnecting in 5s", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (s *PriceStream) streamURL(symbols []string) string {
	streams := make([]string, len(symbols))
	for i, sym := range symbols {
		streams[i] = strings.ToLower(sym) + "@markPrice@1s"
	}
	return fmt.Sprintf("%s/stream?streams=%s", s.baseURL, strings.Join(streams, "/"))
}

// session serves one connection. It returns nil when a resubscription is requested.
func (s *PriceStream) session(ctx context.Context, symbols []string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.streamURL(symbols), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	s.logger.Info("Price stream connected", zap.Strings("symbols", symbols))

	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	var resubscribed atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-s.resub:
				resubscribed.Store(true)
				conn.Close()
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if resubscribed.Load() {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(message)
	}
}

func (s *PriceStream) handleMessage(message []byte) {
	var envelope struct {
		Data struct {
			Symbol string      `json:"s"`
			Price  json.Number `json:"p"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		s.logger.Debug("Unparseable price message", zap.Error(err))
		return
	}
	price, err := envelope.Data.Price.Float64()
	if err != nil || envelope.Data.Symbol == "" {
		return
	}
	s.Update(envelope.Data.Symbol, price)
}
