// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package api

import (
	"github.com/gin-gonic/gin"

	"github.com/3dem/emhub/internal/model"
	"github.com/3dem/emhub/internal/report"
)

func (s *Server) reportRoutes(g *gin.RouterGroup) {
	g.POST("/get_reports_invoices", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		if err := requireManager(u); err != nil {
			return nil, err
		}
		var req struct {
			Start string `json:"start"`
			End   string `json:"end"`
		}
		if err := bindBody(c, &req); err != nil {
			return nil, err
		}
		var r report.Range
		if req.Start != "" && req.End != "" {
			start, err := parseTime(req.Start)
			if err != nil {
				return nil, err
			}
			end, err := parseTime(req.End)
			if err != nil {
				return nil, err
			}
			r = report.Range{Start: start, End: end}
		}
		return s.reports.Invoices(c.Request.Context(), u, r)
	}))

	g.POST("/get_invoices_per_pi", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		var req struct {
			PIID int `json:"pi_id"`
		}
		if err := bindBody(c, &req); err != nil {
			return nil, err
		}
		if req.PIID == 0 {
			req.PIID = u.ID
		}
		return s.reports.InvoicesPerPI(c.Request.Context(), u, req.PIID)
	}))

	g.POST("/get_logs", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		if err := requireManager(u); err != nil {
			return nil, err
		}
		req := struct {
			Limit int `json:"limit"`
		}{Limit: 100}
		if err := bindBody(c, &req); err != nil {
			return nil, err
		}
		logs, err := s.store.ListLogs(c.Request.Context(), req.Limit)
		if err != nil {
			return nil, err
		}
		if logs == nil {
			logs = []model.LogEntry{}
		}
		return logs, nil
	}))
}
