package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/oracle"
	"solana-trade-engine/internal/strategy"
)

// Market streams new listings and price points over websocket and serves the
// strategy runtimes their scan universe. Price history is kept in bounded
// per-mint rings; the oracle backfills anything the stream has not seen.
type Market struct {
	listingsURL string
	priceURL    string
	oracle      oracle.PriceOracle

	reconnectDelay time.Duration
	pingInterval   time.Duration

	mu       sync.RWMutex
	listings []listing
	points   map[string][]pricePoint
	volumes  map[string][]volumePoint
}

type listing struct {
	Mint           string
	ListedAt       time.Time
	PriceUSD       float64
	PriceChangePct float64
	VolumeUSD      float64
}

type pricePoint struct {
	at    time.Time
	price float64
}

type volumePoint struct {
	at  time.Time
	usd float64
}

const (
	maxListings      = 256
	maxPointsPerMint = 2048
	listingMaxAge    = 6 * time.Hour
)

// NewMarket creates the feed-backed market data source.
func NewMarket(listingsURL, priceURL string, o oracle.PriceOracle, reconnectDelay, pingInterval time.Duration) *Market {
	if reconnectDelay <= 0 {
		reconnectDelay = 2 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	return &Market{
		listingsURL:    listingsURL,
		priceURL:       priceURL,
		oracle:         o,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		points:         make(map[string][]pricePoint),
		volumes:        make(map[string][]volumePoint),
	}
}

// Start runs the stream consumers until ctx cancels.
func (m *Market) Start(ctx context.Context) {
	if m.listingsURL != "" {
		go m.consume(ctx, m.listingsURL, m.handleListing)
	}
	if m.priceURL != "" {
		go m.consume(ctx, m.priceURL, m.handlePrice)
	}
}

// consume runs one websocket read loop with reconnect.
func (m *Market) consume(ctx context.Context, url string, handle func([]byte)) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("feed dial failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.reconnectDelay):
			}
			continue
		}
		log.Info().Str("url", url).Msg("feed connected")

		pingDone := make(chan struct{})
		go func() {
			ticker := time.NewTicker(m.pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-pingDone:
					return
				case <-ticker.C:
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				}
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Warn().Err(err).Str("url", url).Msg("feed read failed, reconnecting")
				break
			}
			handle(msg)
		}

		close(pingDone)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.reconnectDelay):
		}
	}
}

// listingMsg is the listings stream wire format.
type listingMsg struct {
	Mint           string  `json:"mint"`
	ListedAtMs     int64   `json:"listedAt"`
	PriceUSD       float64 `json:"priceUsd"`
	PriceChangePct float64 `json:"priceChangePct"`
	VolumeUSD      float64 `json:"volumeUsd"`
}

func (m *Market) handleListing(raw []byte) {
	var msg listingMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Mint == "" {
		return
	}

	l := listing{
		Mint:           msg.Mint,
		ListedAt:       time.UnixMilli(msg.ListedAtMs),
		PriceUSD:       msg.PriceUSD,
		PriceChangePct: msg.PriceChangePct,
		VolumeUSD:      msg.VolumeUSD,
	}

	m.mu.Lock()
	m.listings = append(m.listings, l)
	if len(m.listings) > maxListings {
		m.listings = m.listings[len(m.listings)-maxListings:]
	}
	m.mu.Unlock()
}

// priceMsg is the price stream wire format.
type priceMsg struct {
	Mint      string  `json:"mint"`
	PriceUSD  float64 `json:"priceUsd"`
	VolumeUSD float64 `json:"volumeUsd"`
	AtMs      int64   `json:"at"`
}

func (m *Market) handlePrice(raw []byte) {
	var msg priceMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Mint == "" {
		return
	}
	at := time.UnixMilli(msg.AtMs)
	if msg.AtMs == 0 {
		at = time.Now()
	}

	m.mu.Lock()
	pts := append(m.points[msg.Mint], pricePoint{at: at, price: msg.PriceUSD})
	if len(pts) > maxPointsPerMint {
		pts = pts[len(pts)-maxPointsPerMint:]
	}
	m.points[msg.Mint] = pts

	if msg.VolumeUSD > 0 {
		vols := append(m.volumes[msg.Mint], volumePoint{at: at, usd: msg.VolumeUSD})
		if len(vols) > maxPointsPerMint {
			vols = vols[len(vols)-maxPointsPerMint:]
		}
		m.volumes[msg.Mint] = vols
	}
	m.mu.Unlock()
}

// NewListings implements strategy.MarketData.
func (m *Market) NewListings(_ context.Context) ([]strategy.Candidate, error) {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]strategy.Candidate, 0, len(m.listings))
	for _, l := range m.listings {
		age := now.Sub(l.ListedAt)
		if age > listingMaxAge {
			continue
		}
		out = append(out, strategy.Candidate{
			Mint:           l.Mint,
			AgeMinutes:     age.Minutes(),
			PriceChangePct: l.PriceChangePct,
			VolumeUSD:      l.VolumeUSD,
			PriceUSD:       l.PriceUSD,
		})
	}
	return out, nil
}

// Snapshot implements strategy.MarketData: stream-derived windows with
// oracle backfill for the spot price.
func (m *Market) Snapshot(ctx context.Context, mint string, priceWindow, volumeWindow time.Duration) (*strategy.Candidate, error) {
	now := time.Now()

	m.mu.RLock()
	pts := m.points[mint]
	vols := m.volumes[mint]
	m.mu.RUnlock()

	var spot, oldest float64
	for _, p := range pts {
		if now.Sub(p.at) > priceWindow {
			continue
		}
		if oldest == 0 {
			oldest = p.price
		}
		spot = p.price
	}
	if spot == 0 {
		price, err := m.oracle.PriceUSD(ctx, mint)
		if err != nil {
			return nil, err
		}
		spot = price
	}

	var changePct float64
	if oldest > 0 {
		changePct = (spot - oldest) / oldest * 100
	}

	var windowVol, priorVol float64
	for _, v := range vols {
		age := now.Sub(v.at)
		switch {
		case age <= volumeWindow:
			windowVol += v.usd
		case age <= 2*volumeWindow:
			priorVol += v.usd
		}
	}
	volumeMult := 0.0
	if priorVol > 0 {
		volumeMult = windowVol / priorVol
	}

	return &strategy.Candidate{
		Mint:           mint,
		PriceChangePct: changePct,
		VolumeUSD:      windowVol,
		VolumeMultiple: volumeMult,
		PriceUSD:       spot,
	}, nil
}

var _ strategy.MarketData = (*Market)(nil)
