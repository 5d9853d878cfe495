// Package api serves the operator HTTP surface: health, scheduler status,
// recent alerts and dry-run evaluation of stored rules.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"trading-alerts/internal/markethours"
	"trading-alerts/internal/metrics"
	"trading-alerts/internal/model"
	"trading-alerts/internal/scheduler"
	"trading-alerts/internal/store/sqlite"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
	dryRunTimeout     = 30 * time.Second
)

// RuleSource reads stored rules and their alerts.
type RuleSource interface {
	GetRule(ctx context.Context, id string) (*model.Rule, error)
	RecentAlerts(ctx context.Context, ruleID string, limit int) ([]model.Alert, error)
}

// Engine is the running scheduler.
type Engine interface {
	Stats() scheduler.Stats
	DryRun(ctx context.Context, r *model.Rule, insts ...model.Instrument) ([]scheduler.DryRunResult, error)
}

// Deps are the router's collaborators. Stream and Health may be nil.
type Deps struct {
	Rules    RuleSource
	Engine   Engine
	Health   *metrics.HealthStatus
	Calendar *markethours.Calendar
	Stream   http.Handler
	Now      func() time.Time // default markethours.Now
}

type handlers struct{ Deps }

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Now == nil {
		d.Now = markethours.Now
	}
	h := &handlers{d}

	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", h.health)
		v1.GET("/status", h.status)
		v1.GET("/rules/:id/alerts", h.alerts)
		v1.POST("/rules/:id/evaluate", h.evaluate)
	}
	if d.Stream != nil {
		r.GET("/ws/alerts", gin.WrapH(d.Stream))
	}
	return r
}

func (h *handlers) health(c *gin.Context) {
	if h.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	rep, code := h.Health.Report()
	c.JSON(code, rep)
}

func (h *handlers) status(c *gin.Context) {
	now := h.Now()
	body := gin.H{
		"now":       now,
		"scheduler": h.Engine.Stats(),
	}
	if h.Calendar != nil {
		body["market_open"] = h.Calendar.IsOpen(now)
		body["market_status"] = h.Calendar.StatusString(now)
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) alerts(c *gin.Context) {
	limit := defaultAlertLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if n > maxAlertLimit {
			n = maxAlertLimit
		}
		limit = n
	}
	rule, ok := h.rule(c)
	if !ok {
		return
	}
	alerts, err := h.Rules.RecentAlerts(c.Request.Context(), rule.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule_id": rule.ID, "alerts": alerts})
}

// evaluate dry-runs a rule. With ?symbol= it evaluates that instrument
// (exchange defaults to the rule's own, then NSE); without it, the rule's
// whole universe.
func (h *handlers) evaluate(c *gin.Context) {
	rule, ok := h.rule(c)
	if !ok {
		return
	}

	var insts []model.Instrument
	if sym := strings.ToUpper(strings.TrimSpace(c.Query("symbol"))); sym != "" {
		exch := strings.ToUpper(c.Query("exchange"))
		if exch == "" {
			exch = rule.Universe.Exchange
		}
		if exch == "" {
			exch = "NSE"
		}
		insts = []model.Instrument{{Symbol: sym, Exchange: exch}}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), dryRunTimeout)
	defer cancel()
	results, err := h.Engine.DryRun(ctx, rule, insts...)
	switch {
	case errors.Is(err, scheduler.ErrMalformedRule):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule_id": rule.ID, "results": results})
}

func (h *handlers) rule(c *gin.Context) (*model.Rule, bool) {
	rule, err := h.Rules.GetRule(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, sqlite.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return rule, true
}
