package scrip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tickwatch/tickwatch/internal/config"
	"github.com/tickwatch/tickwatch/internal/model"
)

// Entry is one instrument row from the published scrip master.
type Entry struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Expiry         string `json:"expiry"`
	LotSize        string `json:"lotsize"`
	InstrumentType string `json:"instrumenttype"`
	ExchSeg        string `json:"exch_seg"`
	TickSize       string `json:"tick_size"`
}

// Instrument converts the entry into the domain shape.
func (e Entry) Instrument() model.Instrument {
	return model.Instrument{
		Exchange: model.Exchange(e.ExchSeg),
		Token:    e.Token,
		Symbol:   e.Symbol,
	}
}

// Directory is the searchable instrument catalog. The master dump is
// large (~100k rows); only NSE equities are retained.
type Directory struct {
	cfg        config.ScripConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.RWMutex
	entries  []Entry
	bySymbol map[string]Entry
	byToken  map[string]Entry
	loadedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDirectory creates an empty directory. Call Start or Load before
// searching.
func NewDirectory(cfg config.ScripConfig, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.With("component", "scrip"),
		bySymbol:   make(map[string]Entry),
		byToken:    make(map[string]Entry),
	}
}

// Start loads the directory and begins the background refresh loop.
func (d *Directory) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	if err := d.Load(d.ctx); err != nil {
		d.logger.Warn("initial scrip load failed, will retry", "err", err)
	}

	d.wg.Add(1)
	go d.run()

	d.logger.Info("scrip directory started", "cache_ttl", d.cfg.CacheTTL)
	return nil
}

// Stop halts the refresh loop.
func (d *Directory) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("scrip directory stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Directory) run() {
	defer d.wg.Done()

	interval := d.cfg.CacheTTL
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.Load(d.ctx); err != nil {
				d.logger.Warn("scrip refresh failed", "err", err)
			}
		}
	}
}

// Ready reports whether the catalog has been populated.
func (d *Directory) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries) > 0
}

// Len returns the number of catalog entries.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Load populates the catalog from the disk cache when fresh, otherwise
// from the published master dump.
func (d *Directory) Load(ctx context.Context) error {
	if entries, ok := d.loadFromCache(); ok {
		d.install(entries)
		d.logger.Info("scrip master loaded from cache", "symbols", len(entries))
		return nil
	}

	entries, err := d.download(ctx)
	if err != nil {
		return err
	}

	d.install(entries)
	d.saveCache(entries)
	d.logger.Info("scrip master downloaded", "symbols", len(entries))
	return nil
}

func (d *Directory) loadFromCache() ([]Entry, bool) {
	if d.cfg.CachePath == "" {
		return nil, false
	}

	info, err := os.Stat(d.cfg.CachePath)
	if err != nil || time.Since(info.ModTime()) >= d.cfg.CacheTTL {
		return nil, false
	}

	data, err := os.ReadFile(d.cfg.CachePath)
	if err != nil {
		return nil, false
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		d.logger.Warn("scrip cache unreadable, re-downloading", "err", err)
		return nil, false
	}

	return entries, len(entries) > 0
}

func (d *Directory) download(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.MasterURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download scrip master: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrip master returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read scrip master: %w", err)
	}

	var all []Entry
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("parse scrip master: %w", err)
	}

	return filterEquities(all), nil
}

// filterEquities keeps NSE cash-segment equities only.
func filterEquities(all []Entry) []Entry {
	out := make([]Entry, 0, len(all)/10)
	for _, e := range all {
		if e.ExchSeg == "NSE" && strings.HasSuffix(e.Symbol, "-EQ") {
			out = append(out, e)
		}
	}
	return out
}

func (d *Directory) install(entries []Entry) {
	bySymbol := make(map[string]Entry, len(entries))
	byToken := make(map[string]Entry, len(entries))
	for _, e := range entries {
		bySymbol[e.Symbol] = e
		byToken[e.Token] = e
	}

	d.mu.Lock()
	d.entries = entries
	d.bySymbol = bySymbol
	d.byToken = byToken
	d.loadedAt = time.Now()
	d.mu.Unlock()
}

func (d *Directory) saveCache(entries []Entry) {
	if d.cfg.CachePath == "" {
		return
	}

	data, err := json.Marshal(entries)
	if err != nil {
		d.logger.Warn("marshal scrip cache", "err", err)
		return
	}

	if dir := filepath.Dir(d.cfg.CachePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			d.logger.Warn("create scrip cache dir", "err", err)
			return
		}
	}

	if err := os.WriteFile(d.cfg.CachePath, data, 0o644); err != nil {
		d.logger.Warn("write scrip cache", "err", err)
	}
}

// Search returns up to the configured limit of entries whose symbol
// starts with the query. Queries shorter than the configured minimum
// return nothing.
func (d *Directory) Search(query string) []Entry {
	query = strings.ToUpper(strings.TrimSpace(query))
	if len(query) < d.cfg.MinQuery {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	limit := d.cfg.SearchLimit
	if limit <= 0 {
		limit = config.DefaultSearchLimit
	}

	var matches []Entry
	for _, e := range d.entries {
		if strings.HasPrefix(e.Symbol, query) {
			matches = append(matches, e)
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches
}

// Resolve looks up an entry by exact trading symbol.
func (d *Directory) Resolve(symbol string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.bySymbol[strings.ToUpper(symbol)]
	return e, ok
}

// ResolveToken looks up an entry by exchange token.
func (d *Directory) ResolveToken(token string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byToken[token]
	return e, ok
}
