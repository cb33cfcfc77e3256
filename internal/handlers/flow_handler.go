package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/telemetry"
)

type startFlowRequest struct {
	ProposalID int64  `json:"proposal_id" binding:"required,gt=0"`
	BankCode   string `json:"bank_code" binding:"required"`
}

type FlowHandler struct {
	flows interfaces.FlowService
}

func NewFlowHandler(flows interfaces.FlowService) *FlowHandler {
	return &FlowHandler{flows: flows}
}

func (h *FlowHandler) StartFlow(c *gin.Context) {
	var req startFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Error decoding start flow request", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid request body"})
		return
	}
	bank := strings.ToLower(strings.TrimSpace(req.BankCode))

	summary, err := h.flows.Start(c.Request.Context(), req.ProposalID, bank)
	if err != nil {
		telemetry.Logger.Error("Error starting authorization flow",
			zap.Int64("proposal_id", req.ProposalID),
			zap.String("bank_code", bank),
			zap.Error(err),
		)
		writeFlowError(c, err, summary)
		return
	}

	c.JSON(http.StatusCreated, summary)
}

func (h *FlowHandler) GetFlow(c *gin.Context) {
	proposalID, ok := proposalParam(c)
	if !ok {
		return
	}

	summary, err := h.flows.Summary(c.Request.Context(), proposalID)
	if err != nil {
		writeFlowError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (h *FlowHandler) CancelFlow(c *gin.Context) {
	proposalID, ok := proposalParam(c)
	if !ok {
		return
	}

	res, err := h.flows.Cancel(c.Request.Context(), proposalID)
	if err != nil {
		telemetry.Logger.Warn("Cancel request refused", zap.Int64("proposal_id", proposalID), zap.Error(err))
		writeFlowError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *FlowHandler) ListBanks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"banks": h.flows.SupportedBanks()})
}

func proposalParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("proposalId"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proposal id"})
		return 0, false
	}
	return id, true
}

// writeFlowError maps the orchestrator's error taxonomy onto HTTP statuses.
func writeFlowError(c *gin.Context, err error, flow *models.FlowSummary) {
	var active *models.AlreadyActiveError
	switch {
	case errors.As(err, &active):
		c.JSON(http.StatusConflict, gin.H{
			"error":          "authorization flow already active",
			"proposal_id":    active.ProposalID,
			"active_flow_id": active.FlowID,
			"state":          active.State,
		})
	case errors.Is(err, models.ErrUnknownBank):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrProposalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "proposal not found"})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "authorization flow not found"})
	case errors.Is(err, models.ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "authorization flow already finished"})
	case errors.Is(err, models.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "authorization flow changed concurrently, retry"})
	case errors.Is(err, models.ErrConnector):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "flow": flow})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
