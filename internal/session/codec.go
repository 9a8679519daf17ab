package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tickwatch/tickwatch/internal/broker"
	"github.com/tickwatch/tickwatch/internal/model"
)

// snapshotVersion is bumped whenever the persisted shape changes
// incompatibly. Decoders refuse unknown versions rather than guess.
const snapshotVersion = 1

// Closed trades beyond this count fall off the snapshot oldest-first;
// open trades always persist.
const snapshotClosedTradeCap = 200

// ErrSnapshotVersion is returned for snapshots written by an
// incompatible build.
var ErrSnapshotVersion = errors.New("session: unsupported snapshot version")

// brokerState is the persisted form of an authenticated broker session.
// Tokens are opaque to us; they ride along so a rehydrated session can
// reach the broker again without a fresh login.
type brokerState struct {
	ClientCode string        `json:"client_code"`
	APIKey     string        `json:"api_key"`
	Tokens     broker.Tokens `json:"tokens"`
	IssuedAt   time.Time     `json:"issued_at"`
}

func (b *brokerState) session() *broker.Session {
	return &broker.Session{
		ClientCode: b.ClientCode,
		APIKey:     b.APIKey,
		Tokens:     b.Tokens,
		IssuedAt:   b.IssuedAt,
	}
}

// snapshot is the durable subset of a session: everything except the
// bound channel, the tick mailbox and the per-day price observations,
// which are rebuilt from the live feed after a restore.
type snapshot struct {
	Version          int                   `json:"v"`
	UserID           string                `json:"user_id"`
	Broker           *brokerState          `json:"broker,omitempty"`
	Watchlist        []model.WatchlistItem `json:"watchlist,omitempty"`
	Alerts           []model.Alert         `json:"alerts,omitempty"`
	AlertLog         []model.AlertLogEntry `json:"alert_log,omitempty"`
	Trades           []model.PaperTrade    `json:"trades,omitempty"`
	VirtualBalance   float64               `json:"virtual_balance"`
	AutoPaperEnabled bool                  `json:"auto_paper_enabled"`
	AlertsPaused     bool                  `json:"alerts_paused"`
	ReferenceDate    string                `json:"reference_date,omitempty"`
	SavedAt          time.Time             `json:"saved_at"`
}

// encode serializes the session's durable state. Runs on the loop.
func (s *Session) encode(now time.Time) ([]byte, error) {
	snap := snapshot{
		Version:          snapshotVersion,
		UserID:           s.userID,
		Watchlist:        s.watchlist,
		Alerts:           s.alerts,
		AlertLog:         s.alertLog,
		Trades:           capClosedTrades(s.book.Trades()),
		VirtualBalance:   s.book.Balance(),
		AutoPaperEnabled: s.autoPaper,
		AlertsPaused:     s.paused,
		ReferenceDate:    s.refDate,
		SavedAt:          now,
	}
	if s.broker != nil {
		snap.Broker = &brokerState{
			ClientCode: s.broker.ClientCode,
			APIKey:     s.broker.APIKey,
			Tokens:     s.broker.Tokens,
			IssuedAt:   s.broker.IssuedAt,
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// capClosedTrades keeps every OPEN trade and the newest closed ones up
// to the cap. Trades arrive newest first and stay that way.
func capClosedTrades(trades []model.PaperTrade) []model.PaperTrade {
	out := make([]model.PaperTrade, 0, len(trades))
	closed := 0
	for _, t := range trades {
		if t.Status == model.TradeClosed {
			if closed >= snapshotClosedTradeCap {
				continue
			}
			closed++
		}
		out = append(out, t)
	}
	return out
}

func decodeSnapshot(data []byte) (*snapshot, error) {
	var probe struct {
		Version int `json:"v"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if probe.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: v%d", ErrSnapshotVersion, probe.Version)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
