package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/webhook"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	ingestor *webhook.Ingestor
}

func NewWebhookHandler(ingestor *webhook.Ingestor) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor}
}

func (h *WebhookHandler) ReceiveBankEvent(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	result, summary, err := h.ingestor.Ingest(c.Request.Context(), webhook.Delivery{
		Source:    webhook.SourceHTTP,
		BankCode:  c.Param("bankCode"),
		Timestamp: c.GetHeader(webhook.HeaderTimestamp),
		Signature: c.GetHeader(webhook.HeaderSignature),
		Body:      body,
	})
	switch {
	case errors.Is(err, webhook.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	case errors.Is(err, webhook.ErrMalformedEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process bank event"})
		return
	}

	status := http.StatusOK
	if result == models.EventUnmatched {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"result": result, "flow": summary})
}
