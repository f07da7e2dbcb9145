package api

import (
	"net/http"

	"mailsync/internal/mailbox/delivery"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(r *gin.Engine, sync delivery.SyncController, auth *delivery.JWTAuth, gatherer prometheus.Gatherer) {
	mailboxHandler := delivery.NewMailboxHandler(sync)

	// Metrics (no auth required, scrape from the internal network)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		// Mailbox routes (protected)
		mailboxHandler.RegisterRoutes(api, auth)
	}
}
