package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tonramp/backend/internal/auth"
	"github.com/tonramp/backend/internal/config"
	"github.com/tonramp/backend/internal/http/dto"
	"github.com/tonramp/backend/internal/rates"
	"github.com/tonramp/backend/internal/services"
)

// InternalHandler exposes operator endpoints, guarded by the internal
// bearer token.
type InternalHandler struct {
	sweep    *services.SweepService
	ratesSvc *rates.Service
	cfg      *config.Config
	log      *zap.Logger
}

func NewInternalHandler(sweep *services.SweepService, ratesSvc *rates.Service, cfg *config.Config, log *zap.Logger) *InternalHandler {
	return &InternalHandler{sweep: sweep, ratesSvc: ratesSvc, cfg: cfg, log: log}
}

// RunSweep triggers one reconciliation pass over pending intents, on top
// of the worker's periodic schedule.
// GET /internal/sweep
func (h *InternalHandler) RunSweep(c *fiber.Ctx) error {
	res, err := h.sweep.Run(c.Context())
	if err != nil {
		h.log.Error("manual sweep failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "sweep failed"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: res})
}

// InvalidateRates drops the cached settlement rate so the next request
// re-reads the source.
// POST /internal/rates/invalidate
func (h *InternalHandler) InvalidateRates(c *fiber.Ctx) error {
	if err := h.ratesSvc.Invalidate(c.Context()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "invalidate failed"})
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

// IssueToken mints an access token for a user. The accounts service calls
// this after its own login flow and hands the token to the client.
// POST /internal/tokens
func (h *InternalHandler) IssueToken(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid user_id"})
	}

	token, err := auth.GenerateJWT(h.cfg.JWTSecret, userID, h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("token issue failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "could not issue token"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.TokenResponse{Token: token}})
}
