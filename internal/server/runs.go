package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	obstracing "github.com/smallbiznis/attribution/internal/observability/tracing"
	"github.com/smallbiznis/attribution/internal/pipeline"
)

// TriggerRun executes one run synchronously. The run is detached from the
// request so a client disconnect does not abort a publish.
func (s *Server) TriggerRun(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())

	c.Set(obstracing.TriggerKey, pipeline.TriggerManual)
	run, err := s.runner.Execute(ctx, pipeline.TriggerManual)
	if run != nil {
		c.Set(obstracing.RunIDKey, run.ID.String())
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": run})
}

func (s *Server) GetLatestRun(c *gin.Context) {
	run, err := s.ledger.LatestRun(c.Request.Context(), s.db)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": run})
}
