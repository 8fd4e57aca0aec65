package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
	"gorm.io/gorm"
)

type rangeQuery struct {
	From string `form:"from"`
	To   string `form:"to"`
}

func bindRange(c *gin.Context) (ledgerdomain.DateRange, bool) {
	var query rangeQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return ledgerdomain.DateRange{}, false
	}
	dr, err := parseDateRange(query.From, query.To)
	if err != nil {
		AbortWithError(c, err)
		return ledgerdomain.DateRange{}, false
	}
	return dr, true
}

func (s *Server) ListDailyRollups(c *gin.Context) {
	dr, ok := bindRange(c)
	if !ok {
		return
	}
	rows, err := s.ledger.ListDaily(c.Request.Context(), s.db, dr)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func (s *Server) ListFunnelRollups(c *gin.Context) {
	dr, ok := bindRange(c)
	if !ok {
		return
	}
	rows, err := s.ledger.ListFunnels(c.Request.Context(), s.db, dr)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func (s *Server) ListCampaignRollups(c *gin.Context) {
	dr, ok := bindRange(c)
	if !ok {
		return
	}
	rows, err := s.ledger.ListCampaigns(c.Request.Context(), s.db, dr)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func (s *Server) ListChannelRollups(c *gin.Context) {
	listRollups(c, s, s.ledger.ListChannels)
}

func (s *Server) ListCountryRollups(c *gin.Context) {
	listRollups(c, s, s.ledger.ListCountries)
}

func (s *Server) ListPlanRollups(c *gin.Context) {
	listRollups(c, s, s.ledger.ListPlans)
}

func listRollups[T any](c *gin.Context, s *Server, list func(context.Context, *gorm.DB, ledgerdomain.DateRange) ([]T, error)) {
	dr, ok := bindRange(c)
	if !ok {
		return
	}
	rows, err := list(c.Request.Context(), s.db, dr)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}
