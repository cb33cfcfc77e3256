package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
)

type stubFlows struct {
	summary *models.FlowSummary
	cancel  *models.CancelResult
	err     error

	gotProposal int64
	gotBank     string
}

func (s *stubFlows) Start(ctx context.Context, proposalID int64, bankCode string) (*models.FlowSummary, error) {
	s.gotProposal, s.gotBank = proposalID, bankCode
	return s.summary, s.err
}

func (s *stubFlows) Cancel(ctx context.Context, proposalID int64) (*models.CancelResult, error) {
	s.gotProposal = proposalID
	return s.cancel, s.err
}

func (s *stubFlows) Summary(ctx context.Context, proposalID int64) (*models.FlowSummary, error) {
	s.gotProposal = proposalID
	return s.summary, s.err
}

func (s *stubFlows) SupportedBanks() []string { return []string{"itau", "caixa"} }

func setupRouter(flows *stubFlows) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewFlowHandler(flows)
	r.POST("/flows", h.StartFlow)
	r.GET("/flows/:proposalId", h.GetFlow)
	r.DELETE("/flows/:proposalId", h.CancelFlow)
	r.GET("/banks", h.ListBanks)
	return r
}

func doReq(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestStartFlow_StatusMapping(t *testing.T) {
	failed := &models.FlowSummary{ProposalID: 1, State: models.StateFailed}

	tests := []struct {
		name       string
		body       string
		summary    *models.FlowSummary
		err        error
		wantStatus int
	}{
		{"created", `{"proposal_id":1,"bank_code":"ITAU"}`, &models.FlowSummary{ProposalID: 1, State: models.StateAwaitingBank}, nil, http.StatusCreated},
		{"missing bank", `{"proposal_id":1}`, nil, nil, http.StatusUnprocessableEntity},
		{"non-positive proposal", `{"proposal_id":0,"bank_code":"itau"}`, nil, nil, http.StatusUnprocessableEntity},
		{"not json", `{`, nil, nil, http.StatusUnprocessableEntity},
		{"already active", `{"proposal_id":1,"bank_code":"itau"}`, nil, &models.AlreadyActiveError{ProposalID: 1, FlowID: "f1", State: models.StateSubmitting}, http.StatusConflict},
		{"unknown bank", `{"proposal_id":1,"bank_code":"nubank"}`, nil, models.ErrUnknownBank, http.StatusUnprocessableEntity},
		{"unknown proposal", `{"proposal_id":1,"bank_code":"itau"}`, nil, models.ErrProposalNotFound, http.StatusNotFound},
		{"connector failed flow", `{"proposal_id":1,"bank_code":"itau"}`, failed, models.NewPermanentError("itau", "submit", errors.New("refused")), http.StatusBadGateway},
		{"store down", `{"proposal_id":1,"bank_code":"itau"}`, nil, errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flows := &stubFlows{summary: tt.summary, err: tt.err}
			rec := doReq(setupRouter(flows), http.MethodPost, "/flows", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestStartFlow_NormalizesBankCode(t *testing.T) {
	flows := &stubFlows{summary: &models.FlowSummary{ProposalID: 9}}
	rec := doReq(setupRouter(flows), http.MethodPost, "/flows", `{"proposal_id":9,"bank_code":" Itau "}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(9), flows.gotProposal)
	assert.Equal(t, "itau", flows.gotBank)
}

func TestStartFlow_BadGatewayCarriesSnapshot(t *testing.T) {
	flows := &stubFlows{
		summary: &models.FlowSummary{ProposalID: 1, State: models.StateFailed, LastError: "refused"},
		err:     models.NewPermanentError("itau", "submit", errors.New("refused")),
	}
	rec := doReq(setupRouter(flows), http.MethodPost, "/flows", `{"proposal_id":1,"bank_code":"itau"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var body struct {
		Flow models.FlowSummary `json:"flow"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.StateFailed, body.Flow.State)
}

func TestGetFlow(t *testing.T) {
	flows := &stubFlows{summary: &models.FlowSummary{ProposalID: 5, State: models.StateAwaitingBank, Version: 3}}
	r := setupRouter(flows)

	rec := doReq(r, http.MethodGet, "/flows/5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.FlowSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(3), got.Version)

	assert.Equal(t, http.StatusBadRequest, doReq(r, http.MethodGet, "/flows/abc", "").Code)

	flows.err = models.ErrNotFound
	assert.Equal(t, http.StatusNotFound, doReq(r, http.MethodGet, "/flows/5", "").Code)
}

func TestCancelFlow(t *testing.T) {
	flows := &stubFlows{cancel: &models.CancelResult{
		Flow:    models.FlowSummary{ProposalID: 5, State: models.StateCanceled},
		Outcome: models.CancelApplied,
	}}
	r := setupRouter(flows)

	rec := doReq(r, http.MethodDelete, "/flows/5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cancel_outcome":"CANCELED"`)

	flows.err = models.ErrAlreadyTerminal
	assert.Equal(t, http.StatusConflict, doReq(r, http.MethodDelete, "/flows/5", "").Code)

	flows.err = &models.VersionConflictError{ProposalID: 5, ExpectedVersion: 2}
	assert.Equal(t, http.StatusConflict, doReq(r, http.MethodDelete, "/flows/5", "").Code)
}

func TestListBanks(t *testing.T) {
	rec := doReq(setupRouter(&stubFlows{}), http.MethodGet, "/banks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"banks":["itau","caixa"]}`, rec.Body.String())
}
