// Package handler serves the read-only status endpoints of each process.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

// StatusHandler reports process identity and the retained bus flags.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	bus       domain.Bus
	logger    *slog.Logger
}

// NewStatusHandler builds a StatusHandler for one process mode.
func NewStatusHandler(mode string, bus domain.Bus, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		startedAt: time.Now().UTC(),
		bus:       bus,
		logger:    logger.With(slog.String("handler", "status")),
	}
}

// Healthz is the liveness probe: the process is up and the broker answers.
// GET /healthz
func (h *StatusHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.bus.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "bus unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetStatus reports mode, uptime, and the ready/halt flags.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready, err := h.bus.Flag(ctx, domain.KeyReady)
	if err != nil {
		h.logger.WarnContext(ctx, "ready flag read failed", slog.String("error", err.Error()))
	}
	halted, err := h.bus.Flag(ctx, domain.KeyHalt)
	if err != nil {
		h.logger.WarnContext(ctx, "halt flag read failed", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":        h.mode,
		"uptime_secs": int64(time.Since(h.startedAt).Seconds()),
		"ready":       ready,
		"halted":      halted,
	})
}

// PortfolioHandler serves the capital ledger view.
type PortfolioHandler struct {
	portfolios   domain.PortfolioStore
	reservations domain.ReservationStore
	logger       *slog.Logger
}

// NewPortfolioHandler builds a PortfolioHandler.
func NewPortfolioHandler(portfolios domain.PortfolioStore, reservations domain.ReservationStore, logger *slog.Logger) *PortfolioHandler {
	return &PortfolioHandler{
		portfolios:   portfolios,
		reservations: reservations,
		logger:       logger.With(slog.String("handler", "portfolios")),
	}
}

type portfolioView struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	BaseCurrency     string          `json:"base_currency"`
	TotalCapital     decimal.Decimal `json:"total_capital"`
	AvailableCapital decimal.Decimal `json:"available_capital"`
	HeldAmount       decimal.Decimal `json:"held_amount"`
	IsActive         bool            `json:"is_active"`
}

// ListPortfolios returns every portfolio with its held reservation total.
// GET /api/portfolios
func (h *PortfolioHandler) ListPortfolios(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rows, err := h.portfolios.List(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "portfolio list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "portfolio query failed")
		return
	}

	views := make([]portfolioView, 0, len(rows))
	for _, p := range rows {
		held, err := h.reservations.ListHeldByPortfolio(ctx, p.ID)
		if err != nil {
			h.logger.ErrorContext(ctx, "held reservations query failed",
				slog.Int64("portfolio_id", p.ID),
				slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "reservation query failed")
			return
		}
		heldAmount := decimal.Zero
		for _, res := range held {
			heldAmount = heldAmount.Add(res.Amount)
		}
		views = append(views, portfolioView{
			ID:               p.ID,
			Name:             p.Name,
			BaseCurrency:     p.BaseCurrency,
			TotalCapital:     p.TotalCapital,
			AvailableCapital: p.AvailableCapital,
			HeldAmount:       heldAmount,
			IsActive:         p.IsActive,
		})
	}
	writeJSON(w, http.StatusOK, views)
}
