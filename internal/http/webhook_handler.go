package http

import (
	"context"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ichristine180/iproxy-sub001/internal/models"
	"github.com/ichristine180/iproxy-sub001/internal/service"
)

// WebhookProcessor is what the transport hands inbound callbacks to.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, src *service.WebhookSource) *models.WebhookAck
}

// WebhookHandler receives payment provider callbacks. It always responds
// HTTP 200: a non-2xx only triggers provider redelivery of a payload we
// have already recorded or deliberately ignored.
type WebhookHandler struct {
	processor       WebhookProcessor
	signatureHeader string
}

func NewWebhookHandler(processor WebhookProcessor, signatureHeader string) *WebhookHandler {
	return &WebhookHandler{
		processor:       processor,
		signatureHeader: signatureHeader,
	}
}

// PaymentWebhook handles one provider callback
func (h *WebhookHandler) PaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.Printf("[Webhook] Failed to read body from %s: %v", c.ClientIP(), err)
		c.JSON(http.StatusOK, models.WebhookAck{Status: "ignored", Message: "unreadable body"})
		return
	}

	ack := h.processor.HandleWebhook(c.Request.Context(), &service.WebhookSource{
		SourceIP:  c.ClientIP(),
		Signature: c.GetHeader(h.signatureHeader),
		RawBody:   body,
	})
	c.JSON(http.StatusOK, ack)
}
