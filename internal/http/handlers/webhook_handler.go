package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tonramp/backend/internal/gateway"
	"github.com/tonramp/backend/internal/http/dto"
	"github.com/tonramp/backend/internal/observability"
	"github.com/tonramp/backend/internal/services"
)

type WebhookHandler struct {
	verifier   *gateway.Verifier
	reconciler *services.DepositReconciler
	log        *zap.Logger
}

func NewWebhookHandler(verifier *gateway.Verifier, reconciler *services.DepositReconciler, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, reconciler: reconciler, log: log}
}

// HandleGateway receives payment notifications from the mobile-money
// provider. The body is treated purely as a hint: a bad signature gets 401,
// everything else gets 200 so the provider stops retrying. Missed or
// dropped events are recovered by the sweep.
// POST /webhooks/gateway
func (h *WebhookHandler) HandleGateway(c *fiber.Ctx) error {
	raw := c.Body()

	if !h.verifier.Verify(raw, c.Get("X-Signature")) {
		observability.WebhooksTotal.WithLabelValues("rejected").Inc()
		h.log.Warn("webhook signature rejected", zap.String("ip", c.IP()))
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid signature"})
	}

	reference := gateway.ExtractReference(raw)
	if reference == "" {
		// Unrecognized event shape; ack and move on.
		observability.WebhooksTotal.WithLabelValues("ignored").Inc()
		return c.JSON(dto.WebhookAck{Outcome: "ignored"})
	}

	res, err := h.reconciler.Reconcile(c.Context(), reference)
	if err != nil {
		// Ack anyway: the sweep retries from durable state, a provider
		// retry adds nothing.
		observability.WebhooksTotal.WithLabelValues("deferred").Inc()
		h.log.Error("webhook reconcile failed",
			zap.String("reference", reference),
			zap.Error(err),
		)
		return c.JSON(dto.WebhookAck{Outcome: "deferred"})
	}

	observability.WebhooksTotal.WithLabelValues(res.Outcome).Inc()
	return c.JSON(dto.WebhookAck{Outcome: res.Outcome})
}
