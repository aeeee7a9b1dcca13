package domain

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	dberrors "github.com/yungbote/devicebridge/internal/pkg/errors"
)

// Record tracks one raw recording through the pipeline. It is never deleted;
// the stage flags are the durable audit trail of how far each recording got.
type Record struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	// Hash is the content-addressed dedup key (vendor id salted with the
	// device type). Unique index is the cross-run concurrency guard.
	Hash            string     `gorm:"column:hash;not null;uniqueIndex" json:"hash"`
	ManufacturerRef string     `gorm:"column:manufacturer_ref;not null" json:"manufacturer_ref"`
	DeviceType      DeviceType `gorm:"column:device_type;not null;index:idx_records_stage,priority:1" json:"device_type"`
	DeviceID        string     `gorm:"column:device_id;not null" json:"device_id"`
	PatientID       string     `gorm:"column:patient_id;not null" json:"patient_id"`
	StartWear       time.Time  `gorm:"column:start_wear;not null" json:"start_wear"`
	EndWear         time.Time  `gorm:"column:end_wear;not null" json:"end_wear"`

	// Meta holds vendor-specific fields (signal ids, linked file names,
	// dump dates). Shape per device type is set by the harvesters.
	Meta datatypes.JSON `gorm:"column:meta;type:jsonb" json:"meta"`

	// DMPFolder names the staging folder this record was merged into.
	// Assigned by the staging stage, empty before that.
	DMPFolder string `gorm:"column:dmp_folder" json:"dmp_folder,omitempty"`

	IsDownloaded bool `gorm:"column:is_downloaded;not null;default:false;index:idx_records_stage,priority:2" json:"is_downloaded"`
	IsProcessed  bool `gorm:"column:is_processed;not null;default:false;index:idx_records_stage,priority:3" json:"is_processed"`
	IsPrepared   bool `gorm:"column:is_prepared;not null;default:false" json:"is_prepared"`
	IsUploaded   bool `gorm:"column:is_uploaded;not null;default:false;index:idx_records_stage,priority:4" json:"is_uploaded"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Record) TableName() string { return "records" }

// Validate enforces the stage ordering invariant: a later flag may be true
// only if every earlier flag is true already.
func (r *Record) Validate() error {
	if !r.DeviceType.Valid() {
		return fmt.Errorf("%w: unknown device type %q", dberrors.ErrInvalidArgument, r.DeviceType)
	}
	if r.IsUploaded && !r.IsPrepared {
		return fmt.Errorf("%w: uploaded before prepared (hash=%s)", dberrors.ErrInvalidTransition, r.Hash)
	}
	if r.IsPrepared && !r.IsProcessed {
		return fmt.Errorf("%w: prepared before processed (hash=%s)", dberrors.ErrInvalidTransition, r.Hash)
	}
	if r.IsProcessed && !r.IsDownloaded {
		return fmt.Errorf("%w: processed before downloaded (hash=%s)", dberrors.ErrInvalidTransition, r.Hash)
	}
	return nil
}

func (r *Record) MarkDownloaded() error {
	r.IsDownloaded = true
	return r.Validate()
}

func (r *Record) MarkProcessed() error {
	if !r.IsDownloaded {
		return fmt.Errorf("%w: processed before downloaded (hash=%s)", dberrors.ErrInvalidTransition, r.Hash)
	}
	r.IsProcessed = true
	return nil
}

func (r *Record) MarkPrepared(folder string) error {
	if !r.IsProcessed {
		return fmt.Errorf("%w: prepared before processed (hash=%s)", dberrors.ErrInvalidTransition, r.Hash)
	}
	r.IsPrepared = true
	r.DMPFolder = folder
	return nil
}

func (r *Record) MarkUploaded() error {
	if !r.IsPrepared {
		return fmt.Errorf("%w: uploaded before prepared (hash=%s)", dberrors.ErrInvalidTransition, r.Hash)
	}
	r.IsUploaded = true
	return nil
}

// DownloadFolder is the working area for this record's raw files.
func (r *Record) DownloadFolder(storageRoot string) string {
	return filepath.Join(storageRoot, r.DeviceType.String(), r.PatientID, r.DeviceID)
}

// MetadataPath is the vendor-metadata sidecar file for this record.
func (r *Record) MetadataPath(storageRoot string) string {
	return filepath.Join(r.DownloadFolder(storageRoot), r.ManufacturerRef+"-meta.json")
}
