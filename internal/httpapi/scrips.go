package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tickwatch/tickwatch/internal/scrip"
)

type scripResult struct {
	Token    string `json:"token"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
}

// handleScripSearch prefix-searches the equity catalog. An exact index
// name (NIFTY 50, SENSEX, ...) matches ahead of equities.
func (s *Server) handleScripSearch(c *gin.Context) {
	if !s.d.Scrips.Ready() {
		fail(c, http.StatusServiceUnavailable, "scrips_loading", "catalog not loaded yet; retry shortly")
		return
	}

	query := c.Query("q")
	results := make([]scripResult, 0, 16)

	if ix, found := scrip.FindIndex(query); found {
		results = append(results, scripResult{
			Token:    ix.Token,
			Symbol:   ix.Symbol,
			Name:     ix.Symbol,
			Exchange: string(ix.Exchange),
		})
	}
	for _, e := range s.d.Scrips.Search(query) {
		results = append(results, scripResult{
			Token:    e.Token,
			Symbol:   e.Symbol,
			Name:     e.Name,
			Exchange: e.ExchSeg,
		})
	}

	ok(c, gin.H{"results": results, "count": len(results)})
}
