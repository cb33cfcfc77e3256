package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
)

var _ interfaces.FlowStore = (*FlowRepository)(nil)

const uniqueViolation = "23505"

const flowColumns = `flow_id, proposal_id, bank_code, state, external_reference, attempts, last_error, version, created_at, updated_at`

// FlowRepository is the PostgreSQL flow store. Exclusivity comes from a partial
// unique index over non-terminal rows; transitions are conditional updates on version.
type FlowRepository struct {
	db *sql.DB
}

func NewFlowRepository(db *sql.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

func (r *FlowRepository) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS authorization_flows (
			flow_id UUID PRIMARY KEY,
			proposal_id BIGINT NOT NULL,
			bank_code VARCHAR(50) NOT NULL,
			state VARCHAR(20) NOT NULL,
			external_reference VARCHAR(255),
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_authorization_flows_active
			ON authorization_flows(proposal_id)
			WHERE state NOT IN ('APPROVED', 'REJECTED', 'CANCELED', 'FAILED')`,
		`CREATE INDEX IF NOT EXISTS idx_authorization_flows_proposal ON authorization_flows(proposal_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_authorization_flows_external_ref ON authorization_flows(external_reference)`,
		`CREATE INDEX IF NOT EXISTS idx_authorization_flows_state_updated ON authorization_flows(state, updated_at)`,
	}

	for _, query := range queries {
		if _, err := r.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}

	return nil
}

func (r *FlowRepository) Create(ctx context.Context, flow *models.AuthorizationFlow) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO authorization_flows (flow_id, proposal_id, bank_code, state, external_reference, attempts, last_error, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		RETURNING version, created_at, updated_at
	`, flow.FlowID, flow.ProposalID, flow.BankCode, flow.State,
		nullString(flow.ExternalReference), flow.Attempts, nullString(flow.LastError),
	).Scan(&flow.Version, &flow.CreatedAt, &flow.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("proposal %d: %w", flow.ProposalID, models.ErrConflict)
	}
	return err
}

func (r *FlowRepository) Get(ctx context.Context, proposalID int64) (*models.AuthorizationFlow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+flowColumns+`
		FROM authorization_flows WHERE proposal_id = $1
		ORDER BY created_at DESC, version DESC LIMIT 1
	`, proposalID)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proposal %d: %w", proposalID, models.ErrNotFound)
	}
	return f, err
}

func (r *FlowRepository) GetByExternalReference(ctx context.Context, externalReference string) (*models.AuthorizationFlow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+flowColumns+`
		FROM authorization_flows WHERE external_reference = $1
		ORDER BY updated_at DESC LIMIT 1
	`, externalReference)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reference %q: %w", externalReference, models.ErrNotFound)
	}
	return f, err
}

func (r *FlowRepository) CompareAndSwap(ctx context.Context, proposalID int64, expectedVersion int64, next *models.AuthorizationFlow) error {
	err := r.db.QueryRowContext(ctx, `
		UPDATE authorization_flows
		SET state = $1, external_reference = $2, attempts = $3, last_error = $4,
			version = version + 1, updated_at = NOW()
		WHERE flow_id = $5 AND proposal_id = $6 AND version = $7
		RETURNING version, updated_at
	`, next.State, nullString(next.ExternalReference), next.Attempts, nullString(next.LastError),
		next.FlowID, proposalID, expectedVersion,
	).Scan(&next.Version, &next.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.VersionConflictError{ProposalID: proposalID, ExpectedVersion: expectedVersion}
	}
	return err
}

func (r *FlowRepository) ListStale(ctx context.Context, state models.FlowState, updatedBefore time.Time, limit int) ([]*models.AuthorizationFlow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+flowColumns+`
		FROM authorization_flows
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3
	`, state, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AuthorizationFlow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*models.AuthorizationFlow, error) {
	var (
		f         models.AuthorizationFlow
		reference sql.NullString
		lastError sql.NullString
	)
	if err := row.Scan(&f.FlowID, &f.ProposalID, &f.BankCode, &f.State, &reference,
		&f.Attempts, &lastError, &f.Version, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.ExternalReference = reference.String
	f.LastError = lastError.String
	return &f, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
