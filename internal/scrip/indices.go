package scrip

import (
	"strings"

	"github.com/tickwatch/tickwatch/internal/model"
)

// Index is one of the major exchange indices. Index tokens are fixed by
// the broker and never appear in the scrip master dump.
type Index struct {
	Symbol   string         `json:"symbol"`
	Token    string         `json:"token"`
	Exchange model.Exchange `json:"exchange"`
}

// Instrument converts the index into the domain shape.
func (ix Index) Instrument() model.Instrument {
	return model.Instrument{
		Exchange: ix.Exchange,
		Token:    ix.Token,
		Symbol:   ix.Symbol,
	}
}

var indices = []Index{
	{Symbol: "NIFTY 50", Token: "99926000", Exchange: model.ExchangeNSE},
	{Symbol: "NIFTY BANK", Token: "99926009", Exchange: model.ExchangeNSE},
	{Symbol: "SENSEX", Token: "99919000", Exchange: model.ExchangeBSE},
	{Symbol: "NIFTY IT", Token: "99926013", Exchange: model.ExchangeNSE},
	{Symbol: "NIFTY PHARMA", Token: "99926023", Exchange: model.ExchangeNSE},
	{Symbol: "NIFTY AUTO", Token: "99926003", Exchange: model.ExchangeNSE},
	{Symbol: "NIFTY FMCG", Token: "99926011", Exchange: model.ExchangeNSE},
	{Symbol: "NIFTY METAL", Token: "99926015", Exchange: model.ExchangeNSE},
	{Symbol: "NIFTY REALTY", Token: "99926024", Exchange: model.ExchangeNSE},
	{Symbol: "NIFTY ENERGY", Token: "99926010", Exchange: model.ExchangeNSE},
	{Symbol: "NIFTY FIN SERVICE", Token: "99926012", Exchange: model.ExchangeNSE},
}

// Indices returns the major index table in display order.
func Indices() []Index {
	out := make([]Index, len(indices))
	copy(out, indices)
	return out
}

// FindIndex resolves an index by its display symbol, case-insensitively.
func FindIndex(symbol string) (Index, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, ix := range indices {
		if ix.Symbol == symbol {
			return ix, true
		}
	}
	return Index{}, false
}

// FindIndexToken resolves an index by its token.
func FindIndexToken(token string) (Index, bool) {
	for _, ix := range indices {
		if ix.Token == token {
			return ix, true
		}
	}
	return Index{}, false
}
