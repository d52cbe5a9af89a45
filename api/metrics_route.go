//go:build metrics

package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerMetricsRoute() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
