//go:build !metrics

package api

func (s *Server) registerMetricsRoute() {}
