package feed

import (
	"sort"

	"github.com/tickwatch/tickwatch/internal/model"
)

// ledger maps each subscribed instrument to the sessions that want it.
// The upstream connection holds exactly the ledger's key set; a key whose
// session set empties is unsubscribed upstream. Not safe for concurrent
// use; the Client guards it with one mutex.
type ledger struct {
	subs map[model.InstrumentKey]map[string]struct{}
}

func newLedger() *ledger {
	return &ledger{subs: make(map[model.InstrumentKey]map[string]struct{})}
}

// add registers a session's interest and reports whether the key is new
// to the effective set.
func (l *ledger) add(sessionID string, key model.InstrumentKey) bool {
	set, ok := l.subs[key]
	if !ok {
		set = make(map[string]struct{})
		l.subs[key] = set
	}
	set[sessionID] = struct{}{}
	return !ok
}

// remove drops a session's interest and reports whether the key left the
// effective set.
func (l *ledger) remove(sessionID string, key model.InstrumentKey) bool {
	set, ok := l.subs[key]
	if !ok {
		return false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(l.subs, key)
		return true
	}
	return false
}

// dropSession removes every interest held by the session and returns the
// keys that left the effective set.
func (l *ledger) dropSession(sessionID string) []model.InstrumentKey {
	var gone []model.InstrumentKey
	for key, set := range l.subs {
		if _, ok := set[sessionID]; !ok {
			continue
		}
		delete(set, sessionID)
		if len(set) == 0 {
			delete(l.subs, key)
			gone = append(gone, key)
		}
	}
	return gone
}

// subscribers returns the sessions interested in a key.
func (l *ledger) subscribers(key model.InstrumentKey) []string {
	set, ok := l.subs[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// keys returns the full effective set.
func (l *ledger) keys() []model.InstrumentKey {
	out := make([]model.InstrumentKey, 0, len(l.subs))
	for key := range l.subs {
		out = append(out, key)
	}
	return out
}

func (l *ledger) size() int {
	return len(l.subs)
}

// Broker wire command. Action 1 subscribes, 0 unsubscribes; mode 3 is
// SnapQuote. Tokens are grouped per exchange wire type.
const (
	actionSubscribe   = 1
	actionUnsubscribe = 0
	modeSnapQuote     = 3
)

type wsTokenGroup struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

type wsParams struct {
	Mode      int            `json:"mode"`
	TokenList []wsTokenGroup `json:"tokenList"`
}

type wsCommand struct {
	CorrelationID string   `json:"correlationID"`
	Action        int      `json:"action"`
	Params        wsParams `json:"params"`
}

// buildCommand assembles one broker command for the given keys. Groups
// and token lists are sorted so identical inputs marshal identically.
func buildCommand(correlationID string, action int, keys []model.InstrumentKey) wsCommand {
	byType := make(map[int][]string)
	for _, key := range keys {
		wt := key.Exchange.WireType()
		byType[wt] = append(byType[wt], key.Token)
	}

	types := make([]int, 0, len(byType))
	for wt := range byType {
		types = append(types, wt)
	}
	sort.Ints(types)

	groups := make([]wsTokenGroup, 0, len(byType))
	for _, wt := range types {
		tokens := byType[wt]
		sort.Strings(tokens)
		groups = append(groups, wsTokenGroup{ExchangeType: wt, Tokens: tokens})
	}

	return wsCommand{
		CorrelationID: correlationID,
		Action:        action,
		Params:        wsParams{Mode: modeSnapQuote, TokenList: groups},
	}
}
