package records

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/devicebridge/internal/domain"
	"github.com/yungbote/devicebridge/internal/pkg/logger"
)

// Filter selects records by device type and any subset of the stage flags.
// Nil flag pointers are not constrained.
type Filter struct {
	DeviceType   types.DeviceType
	IsDownloaded *bool
	IsProcessed  *bool
	IsPrepared   *bool
	IsUploaded   *bool
}

type RecordRepo interface {
	Create(ctx context.Context, record *types.Record) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*types.Record, error)
	GetByHash(ctx context.Context, hash string) (*types.Record, error)
	Update(ctx context.Context, record *types.Record) error
	Query(ctx context.Context, f Filter) ([]*types.Record, error)
	AllHashes(ctx context.Context) (map[string]struct{}, error)
	ByDMPFolder(ctx context.Context, folder string) ([]*types.Record, error)
}

type recordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRecordRepo(db *gorm.DB, baseLog *logger.Logger) RecordRepo {
	return &recordRepo{
		db:  db,
		log: baseLog.With("repo", "RecordRepo"),
	}
}

func (r *recordRepo) Create(ctx context.Context, record *types.Record) (uuid.UUID, error) {
	if err := record.Validate(); err != nil {
		return uuid.Nil, err
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return uuid.Nil, err
	}
	return record.ID, nil
}

func (r *recordRepo) GetByID(ctx context.Context, id uuid.UUID) (*types.Record, error) {
	var rec types.Record
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepo) GetByHash(ctx context.Context, hash string) (*types.Record, error) {
	var rec types.Record
	err := r.db.WithContext(ctx).First(&rec, "hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update is a full replace. The stage invariant is re-checked here so an
// invalid in-memory mutation can never reach the store.
func (r *recordRepo) Update(ctx context.Context, record *types.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(record).Error
}

func (r *recordRepo) Query(ctx context.Context, f Filter) ([]*types.Record, error) {
	q := r.db.WithContext(ctx).Model(&types.Record{})
	if f.DeviceType != "" {
		q = q.Where("device_type = ?", f.DeviceType)
	}
	if f.IsDownloaded != nil {
		q = q.Where("is_downloaded = ?", *f.IsDownloaded)
	}
	if f.IsProcessed != nil {
		q = q.Where("is_processed = ?", *f.IsProcessed)
	}
	if f.IsPrepared != nil {
		q = q.Where("is_prepared = ?", *f.IsPrepared)
	}
	if f.IsUploaded != nil {
		q = q.Where("is_uploaded = ?", *f.IsUploaded)
	}
	var out []*types.Record
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *recordRepo) AllHashes(ctx context.Context) (map[string]struct{}, error) {
	var hashes []string
	if err := r.db.WithContext(ctx).Model(&types.Record{}).Pluck("hash", &hashes).Error; err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		out[h] = struct{}{}
	}
	return out, nil
}

func (r *recordRepo) ByDMPFolder(ctx context.Context, folder string) ([]*types.Record, error) {
	var out []*types.Record
	if err := r.db.WithContext(ctx).Where("dmp_folder = ?", folder).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
