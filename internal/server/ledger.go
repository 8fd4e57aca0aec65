package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
	"github.com/smallbiznis/attribution/pkg/db/pagination"
)

func (s *Server) ListLedger(c *gin.Context) {
	var query struct {
		pagination.Pagination
		SessionID string `form:"session_id"`
		Currency  string `form:"currency"`
		From      string `form:"from"`
		To        string `form:"to"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	dr, err := parseDateRange(query.From, query.To)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if query.PageToken != "" {
		if _, err := pagination.DecodeCursor(query.PageToken); err != nil {
			AbortWithError(c, newValidationError("page_token", "invalid_page_token", "invalid page token"))
			return
		}
	}

	limit := query.Limit()
	entries, err := s.ledger.ListRevenue(c.Request.Context(), s.db, ledgerdomain.RevenueFilter{
		SessionID: strings.TrimSpace(query.SessionID),
		Currency:  strings.ToUpper(strings.TrimSpace(query.Currency)),
		Range:     dr,
	}, query.Pagination)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	page, info, err := pagination.BuildCursorPageInfo(entries, limit, func(e *ledgerdomain.RevenueEntry) string {
		return e.AttemptID
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": page, "page_info": info})
}
