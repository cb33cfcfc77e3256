package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
)

var (
	_ interfaces.ProposalDirectory = (*ProposalRepository)(nil)
	_ interfaces.ProposalDirectory = (*GormProposalDirectory)(nil)
	_ interfaces.ProposalDirectory = StaticProposalDirectory{}
)

// ProposalRepository reads credit proposals from the CRM's PostgreSQL table and
// hands the whole row to connectors as JSON.
type ProposalRepository struct {
	db    *sql.DB
	query string
}

func NewProposalRepository(db *sql.DB, table string) *ProposalRepository {
	return &ProposalRepository{
		db:    db,
		query: fmt.Sprintf(`SELECT row_to_json(p)::text FROM %s p WHERE p.id = $1`, pq.QuoteIdentifier(table)),
	}
}

func (r *ProposalRepository) GetProposal(ctx context.Context, proposalID int64) (*models.Proposal, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, r.query, proposalID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proposal %d: %w", proposalID, models.ErrProposalNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &models.Proposal{ID: proposalID, Payload: json.RawMessage(payload)}, nil
}

// GormProposalDirectory reads proposals from a CRM table on MySQL or SQLite.
type GormProposalDirectory struct {
	db    *gorm.DB
	table string
}

func NewGormProposalDirectory(db *gorm.DB, table string) *GormProposalDirectory {
	return &GormProposalDirectory{db: db, table: table}
}

func (d *GormProposalDirectory) GetProposal(ctx context.Context, proposalID int64) (*models.Proposal, error) {
	row := map[string]interface{}{}
	err := d.db.WithContext(ctx).Table(d.table).Where("id = ?", proposalID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && len(row) == 0) {
		return nil, fmt.Errorf("proposal %d: %w", proposalID, models.ErrProposalNotFound)
	}
	if err != nil {
		return nil, err
	}

	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode proposal %d: %w", proposalID, err)
	}
	return &models.Proposal{ID: proposalID, Payload: payload}, nil
}

// StaticProposalDirectory accepts every positive proposal id. Used when the
// service runs without access to the CRM database.
type StaticProposalDirectory struct{}

func (StaticProposalDirectory) GetProposal(ctx context.Context, proposalID int64) (*models.Proposal, error) {
	if proposalID <= 0 {
		return nil, fmt.Errorf("proposal %d: %w", proposalID, models.ErrProposalNotFound)
	}
	return &models.Proposal{ID: proposalID}, nil
}
