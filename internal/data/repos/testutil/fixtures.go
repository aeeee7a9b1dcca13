package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/devicebridge/internal/domain"
	"github.com/yungbote/devicebridge/internal/pkg/contenthash"
)

// SeedRecord inserts a freshly harvested record for ref. Stage flags can be
// flipped by the caller afterwards via the repo.
func SeedRecord(tb testing.TB, ctx context.Context, tx *gorm.DB, ref string, dt types.DeviceType, patientID, deviceID string) *types.Record {
	tb.Helper()
	now := time.Now().UTC()
	r := &types.Record{
		ID:              uuid.New(),
		Hash:            contenthash.UID(ref, dt),
		ManufacturerRef: ref,
		DeviceType:      dt,
		DeviceID:        deviceID,
		PatientID:       patientID,
		StartWear:       now.AddDate(0, 0, -7),
		EndWear:         now.AddDate(0, 0, -1),
		Meta:            datatypes.JSON([]byte("{}")),
	}
	if err := tx.WithContext(ctx).Create(r).Error; err != nil {
		tb.Fatalf("seed record: %v", err)
	}
	return r
}
