package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tonramp/backend/internal/config"
	"github.com/tonramp/backend/internal/gateway"
	"github.com/tonramp/backend/internal/http/dto"
	"github.com/tonramp/backend/internal/middleware"
	"github.com/tonramp/backend/internal/models"
	"github.com/tonramp/backend/internal/repositories"
	"github.com/tonramp/backend/internal/services"
)

type RampHandler struct {
	ramp    *services.RampService
	settler *services.WithdrawalSettler
	store   services.IntentStore
	cfg     *config.Config
	log     *zap.Logger
}

func NewRampHandler(ramp *services.RampService, settler *services.WithdrawalSettler, store services.IntentStore, cfg *config.Config, log *zap.Logger) *RampHandler {
	return &RampHandler{ramp: ramp, settler: settler, store: store, cfg: cfg, log: log}
}

// Buy starts a fiat collection that settles into crypto.
// POST /ramp/buy
func (h *RampHandler) Buy(c *fiber.Ctx) error {
	var req dto.BuyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	amount, err := decimal.NewFromString(req.AmountFiat)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid amount_fiat"})
	}
	asset := parseAsset(req.AssetCode, req.AssetIssuer)

	res, err := h.ramp.Buy(c.Context(), middleware.GetUserID(c), amount, req.Phone, req.Operator, req.DestAddress, asset)
	if err != nil {
		return rampError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: res})
}

// Sell runs the custodial sell: debit the user's wallet, then pay out.
// POST /ramp/sell
func (h *RampHandler) Sell(c *fiber.Ctx) error {
	var req dto.SellRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	amount, err := decimal.NewFromString(req.AmountCrypto)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid amount_crypto"})
	}
	asset := parseAsset(req.AssetCode, req.AssetIssuer)

	res, err := h.settler.Initiate(c.Context(), middleware.GetUserID(c), amount, asset, req.Phone, req.Operator)
	if err != nil {
		return rampError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: res})
}

// SellByDeposit issues deposit instructions for the non-custodial sell.
// POST /ramp/sell/by-deposit
func (h *RampHandler) SellByDeposit(c *fiber.Ctx) error {
	var req dto.SellRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	amount, err := decimal.NewFromString(req.AmountCrypto)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid amount_crypto"})
	}
	asset := parseAsset(req.AssetCode, req.AssetIssuer)

	instr, err := h.settler.InitiateByDeposit(c.Context(), middleware.GetUserID(c), amount, asset, req.Phone, req.Operator)
	if err != nil {
		return rampError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: instr})
}

// Send transfers crypto to another address, no fiat leg.
// POST /ramp/send
func (h *RampHandler) Send(c *fiber.Ctx) error {
	var req dto.SendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid amount"})
	}
	asset := parseAsset(req.AssetCode, req.AssetIssuer)

	res, err := h.ramp.Send(c.Context(), middleware.GetUserID(c), req.DestAddress, asset, amount)
	if err != nil {
		return rampError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: res})
}

// Quote returns display figures for a prospective buy.
// GET /ramp/quote?amount_fiat=1000
func (h *RampHandler) Quote(c *fiber.Ctx) error {
	amount, err := decimal.NewFromString(c.Query("amount_fiat"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid amount_fiat"})
	}

	crypto, rate := h.ramp.Quote(c.Context(), amount)
	if rate.Sign() <= 0 {
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{Error: "rate unavailable"})
	}
	return c.JSON(dto.QuoteResponse{
		AmountFiat:   amount.String(),
		AmountCrypto: crypto.String(),
		Rate:         rate.String(),
		FeeBPS:       h.cfg.FeeBPS,
	})
}

// GetIntent returns the caller's intent by reference.
// GET /ramp/intents/:reference
func (h *RampHandler) GetIntent(c *fiber.Ctx) error {
	in, err := h.store.GetByReference(c.Context(), c.Params("reference"))
	if err != nil {
		if errors.Is(err, repositories.ErrIntentNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "not found"})
		}
		h.log.Error("intent lookup failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	if in.OwnerID != middleware.GetUserID(c) {
		// Do not leak existence of other users' references.
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "not found"})
	}

	return c.JSON(intentResponse(in))
}

func intentResponse(in *models.TransferIntent) dto.IntentResponse {
	resp := dto.IntentResponse{
		Reference:    in.Reference,
		Kind:         in.Kind,
		Status:       in.Status,
		AssetCode:    in.Asset.Code,
		FiatAmount:   in.FiatAmount.String(),
		CryptoAmount: in.CryptoAmount.String(),
		CreatedAt:    in.CreatedAt,
		UpdatedAt:    in.UpdatedAt,
	}
	if in.LedgerTxHash != nil {
		resp.TxHash = *in.LedgerTxHash
	}
	if in.FailReason != nil {
		resp.FailReason = *in.FailReason
	}
	return resp
}

// rampError maps service errors to status codes. A missing gateway is an
// operator problem, never a caller one, so it surfaces as 503 and not as
// a validation failure.
func rampError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrBusy):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, gateway.ErrNotConfigured):
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{Error: "payment gateway not configured"})
	default:
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}
}

func parseAsset(code, issuer string) models.Asset {
	if code == "" {
		return models.NativeAsset()
	}
	return models.Asset{Code: code, Issuer: issuer}
}
