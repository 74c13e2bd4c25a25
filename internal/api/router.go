// Package api exposes the bot manager over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"paper-trading-bots/internal/manager"
	"paper-trading-bots/internal/models"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// BotService is the subset of the manager served over HTTP.
type BotService interface {
	CreateBot(ctx context.Context, userID string, strategyType models.StrategyType, rawParams json.RawMessage, name string, opts manager.CreateOptions) (string, error)
	StartBot(ctx context.Context, id string) (bool, error)
	StopBot(ctx context.Context, id string) (bool, error)
	PauseBot(ctx context.Context, id string) (bool, error)
	ResumeBot(ctx context.Context, id string) (bool, error)
	DeleteBot(ctx context.Context, id string) error
	UpdateParameters(ctx context.Context, id string, patch json.RawMessage) (*models.BotConfig, error)
	UpdateRiskSettings(ctx context.Context, id string, patch json.RawMessage) (*models.BotConfig, error)
	GetUserBots(ctx context.Context, userID string) ([]*models.BotConfig, error)
	GetBotDetails(ctx context.Context, id string) (*manager.BotDetails, error)
	GetBotTrades(ctx context.Context, id string) ([]models.Trade, error)
}

// CreateBotRequest 创建机器人的请求体
type CreateBotRequest struct {
	UserID       string              `json:"user_id"`
	Name         string              `json:"name"`
	StrategyType models.StrategyType `json:"strategy_type"`
	Parameters   json.RawMessage     `json:"parameters"`
	Risk         models.RiskSettings `json:"risk"`
	Start        bool                `json:"start"`
}

type handler struct {
	svc    BotService
	logger *zap.Logger
}

// NewRouter builds the admin HTTP handler.
func NewRouter(svc BotService, logger *zap.Logger) http.Handler {
	h := &handler{svc: svc, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		success(w, map[string]string{"status": "healthy", "timestamp": time.Now().Format(time.RFC3339)})
	})

	r.Get("/users/{userID}/bots", h.listUserBots)
	r.Route("/bots", func(r chi.Router) {
		r.Post("/", h.createBot)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getBot)
			r.Delete("/", h.deleteBot)
			r.Get("/trades", h.getTrades)
			r.Post("/start", h.lifecycle("started", h.svc.StartBot))
			r.Post("/stop", h.lifecycle("stopped", h.svc.StopBot))
			r.Post("/pause", h.lifecycle("paused", h.svc.PauseBot))
			r.Post("/resume", h.lifecycle("resumed", h.svc.ResumeBot))
			r.Patch("/parameters", h.patch(h.svc.UpdateParameters))
			r.Patch("/risk", h.patch(h.svc.UpdateRiskSettings))
		})
	})
	return r
}

// requestLogger 使用 zap 记录每个请求
func (h *handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error(message, zap.String("path", r.URL.Path), zap.Error(err))
	}
	errorResponse(w, code, message, err)
}

func (h *handler) createBot(w http.ResponseWriter, r *http.Request) {
	var req CreateBotRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	id, err := h.svc.CreateBot(r.Context(), req.UserID, req.StrategyType, req.Parameters, req.Name, manager.CreateOptions{
		Risk:  req.Risk,
		Start: req.Start,
	})
	if err != nil {
		if id != "" {
			// 已创建但启动失败
			h.fail(w, r, "bot created but failed to start: "+id, err)
			return
		}
		h.fail(w, r, "failed to create bot", err)
		return
	}
	created(w, map[string]string{"id": id})
}

func (h *handler) listUserBots(w http.ResponseWriter, r *http.Request) {
	bots, err := h.svc.GetUserBots(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, "failed to list bots", err)
		return
	}
	success(w, bots)
}

func (h *handler) getBot(w http.ResponseWriter, r *http.Request) {
	details, err := h.svc.GetBotDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "failed to get bot", err)
		return
	}
	success(w, details)
}

func (h *handler) getTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.svc.GetBotTrades(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "failed to get trades", err)
		return
	}
	success(w, trades)
}

func (h *handler) deleteBot(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteBot(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, "failed to delete bot", err)
		return
	}
	successMessage(w, "bot deleted", nil)
}

func (h *handler) lifecycle(done string, op func(context.Context, string) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ok, err := op(r.Context(), id)
		if err != nil {
			h.fail(w, r, "lifecycle operation failed", err)
			return
		}
		successMessage(w, "bot "+done, map[string]any{"id": id, "ok": ok})
	}
}

func (h *handler) patch(op func(context.Context, string, json.RawMessage) (*models.BotConfig, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			errorResponse(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
		cfg, err := op(r.Context(), chi.URLParam(r, "id"), body)
		if err != nil {
			h.fail(w, r, "update failed", err)
			return
		}
		success(w, cfg)
	}
}
