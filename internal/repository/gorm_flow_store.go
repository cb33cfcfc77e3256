package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
)

var _ interfaces.FlowStore = (*GormFlowStore)(nil)

// flowRecord maps a flow onto engines without partial indexes: active_proposal_id
// mirrors proposal_id while the flow is non-terminal and is NULL afterwards, so
// the unique index admits one active flow per proposal and any number of retired ones.
type flowRecord struct {
	FlowID            string    `gorm:"column:flow_id;primaryKey;size:36"`
	ProposalID        int64     `gorm:"column:proposal_id;not null;index:idx_flows_proposal"`
	ActiveProposalID  *int64    `gorm:"column:active_proposal_id;uniqueIndex:ux_flows_active_proposal"`
	BankCode          string    `gorm:"column:bank_code;size:50;not null"`
	State             string    `gorm:"column:state;size:20;not null;index:idx_flows_state_updated,priority:1"`
	ExternalReference *string   `gorm:"column:external_reference;size:255;index:idx_flows_external_ref"`
	Attempts          int       `gorm:"column:attempts;not null;default:0"`
	LastError         string    `gorm:"column:last_error;type:text"`
	Version           int64     `gorm:"column:version;not null"`
	CreatedAt         time.Time `gorm:"column:created_at;precision:6"`
	UpdatedAt         time.Time `gorm:"column:updated_at;precision:6;index:idx_flows_state_updated,priority:2"`
}

func (flowRecord) TableName() string { return "authorization_flows" }

// OpenGorm opens a MySQL or SQLite database for the GORM flow store.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported gorm driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY under concurrent CAS.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(30)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

// GormFlowStore is the flow store for MySQL and SQLite deployments.
type GormFlowStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormFlowStore(db *gorm.DB) *GormFlowStore {
	return &GormFlowStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *GormFlowStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&flowRecord{})
}

func (s *GormFlowStore) Create(ctx context.Context, flow *models.AuthorizationFlow) error {
	now := s.now()
	rec := toRecord(flow)
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("proposal %d: %w", flow.ProposalID, models.ErrConflict)
		}
		return err
	}

	flow.Version = rec.Version
	flow.CreatedAt = rec.CreatedAt
	flow.UpdatedAt = rec.UpdatedAt
	return nil
}

func (s *GormFlowStore) Get(ctx context.Context, proposalID int64) (*models.AuthorizationFlow, error) {
	var rec flowRecord
	err := s.db.WithContext(ctx).
		Where("proposal_id = ?", proposalID).
		Order("CASE WHEN active_proposal_id IS NULL THEN 1 ELSE 0 END").
		Order("created_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("proposal %d: %w", proposalID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec.toModel(), nil
}

func (s *GormFlowStore) GetByExternalReference(ctx context.Context, externalReference string) (*models.AuthorizationFlow, error) {
	var rec flowRecord
	err := s.db.WithContext(ctx).
		Where("external_reference = ?", externalReference).
		Order("updated_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("reference %q: %w", externalReference, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec.toModel(), nil
}

func (s *GormFlowStore) CompareAndSwap(ctx context.Context, proposalID int64, expectedVersion int64, next *models.AuthorizationFlow) error {
	rec := toRecord(next)
	now := s.now()

	res := s.db.WithContext(ctx).
		Model(&flowRecord{}).
		Where("flow_id = ? AND proposal_id = ? AND version = ?", next.FlowID, proposalID, expectedVersion).
		Updates(map[string]any{
			"state":              rec.State,
			"active_proposal_id": rec.ActiveProposalID,
			"external_reference": rec.ExternalReference,
			"attempts":           rec.Attempts,
			"last_error":         rec.LastError,
			"version":            expectedVersion + 1,
			"updated_at":         now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &models.VersionConflictError{ProposalID: proposalID, ExpectedVersion: expectedVersion}
	}

	next.Version = expectedVersion + 1
	next.UpdatedAt = now
	return nil
}

func (s *GormFlowStore) ListStale(ctx context.Context, state models.FlowState, updatedBefore time.Time, limit int) ([]*models.AuthorizationFlow, error) {
	var recs []flowRecord
	q := s.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", string(state), updatedBefore.UTC()).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]*models.AuthorizationFlow, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toModel())
	}
	return out, nil
}

func toRecord(f *models.AuthorizationFlow) flowRecord {
	rec := flowRecord{
		FlowID:     f.FlowID,
		ProposalID: f.ProposalID,
		BankCode:   f.BankCode,
		State:      string(f.State),
		Attempts:   f.Attempts,
		LastError:  f.LastError,
		Version:    f.Version,
		CreatedAt:  f.CreatedAt,
		UpdatedAt:  f.UpdatedAt,
	}
	if !f.State.IsTerminal() {
		id := f.ProposalID
		rec.ActiveProposalID = &id
	}
	if f.ExternalReference != "" {
		ref := f.ExternalReference
		rec.ExternalReference = &ref
	}
	return rec
}

func (r *flowRecord) toModel() *models.AuthorizationFlow {
	f := &models.AuthorizationFlow{
		FlowID:     r.FlowID,
		ProposalID: r.ProposalID,
		BankCode:   r.BankCode,
		State:      models.FlowState(r.State),
		Attempts:   r.Attempts,
		LastError:  r.LastError,
		Version:    r.Version,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	if r.ExternalReference != nil {
		f.ExternalReference = *r.ExternalReference
	}
	return f
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}
