// Package api exposes the deployment HTTP surface: initiation, listing and
// the aggregate detail view, plus health and metrics endpoints.
package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/fleetota/fleetota"
)

// Deployer initiates deployments. Satisfied by *fleetota.Initiator.
type Deployer interface {
	Deploy(ctx context.Context, req fleetota.DeployRequest) (*fleetota.DeployResult, error)
}

// Querier serves aggregate deployment views. Satisfied by
// *fleetota.QueryService.
type Querier interface {
	DeploymentDetail(ctx context.Context, deploymentID int64) (*fleetota.DeploymentDetail, error)
	ListDeployments(ctx context.Context, page, limit int) ([]fleetota.DeploymentSummary, fleetota.Pagination, error)
}

// NewRouter assembles the gin engine.
func NewRouter(deployer Deployer, querier Querier) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handler{deployer: deployer, querier: querier}
	grp := r.Group("/api/deployments")
	grp.POST("", h.createDeployment)
	grp.GET("", h.listDeployments)
	grp.GET("/:id", h.deploymentDetail)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}
