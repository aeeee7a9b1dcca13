package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yungbote/devicebridge/internal/clients/gcs"
	types "github.com/yungbote/devicebridge/internal/domain"
	"github.com/yungbote/devicebridge/internal/pkg/logger"
	"github.com/yungbote/devicebridge/internal/registry"
)

// Stressapp harvests the stress-monitoring phone app. The vendor drops a
// weekly dump into a bucket keyed {dump_date}/raw/{subject_hash}/...; the
// subject hash is all it exposes, so the patient comes from the clinical
// registry's hash mapping.
type Stressapp struct {
	log      *logger.Logger
	bucket   gcs.BucketService
	registry registry.Client

	// deviceID is the canonical id of the phone-app pseudo device; the
	// vendor has no per-patient hardware.
	deviceID string

	now func() time.Time
}

const stressappDumpLayout = "data_2006_01_02"

func NewStressapp(log *logger.Logger, bucket gcs.BucketService, reg registry.Client) (*Stressapp, error) {
	deviceID := os.Getenv("STRESSAPP_DEVICE_ID")
	if deviceID == "" {
		return nil, fmt.Errorf("missing env var STRESSAPP_DEVICE_ID")
	}
	return &Stressapp{
		log:      log.With("harvester", "stressapp"),
		bucket:   bucket,
		registry: reg,
		deviceID: deviceID,
		now:      time.Now,
	}, nil
}

func (h *Stressapp) DeviceType() types.DeviceType { return types.DeviceSMA }

// ListNew lists the bucket and emits one recording per (dump, subject
// hash) pair whose dump date falls in the window. Hashes the registry
// cannot map stay with the vendor; they surface as unresolved because no
// user hint is attached.
func (h *Stressapp) ListNew(ctx context.Context, from, to time.Time) ([]types.RawRecording, error) {
	keys, err := h.bucket.ListKeys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("stressapp listing: %w", err)
	}

	type dumpSubject struct{ dump, hash string }
	seen := map[dumpSubject]struct{}{}
	var out []types.RawRecording
	for _, key := range keys {
		// Key layout: {dump_date}/raw/{subject_hash}/{files}. The dump's
		// users.txt and audio files carry nothing extra.
		parts := strings.Split(key, "/")
		if len(parts) < 4 || parts[1] != "raw" || strings.HasSuffix(key, "users.txt") {
			continue
		}
		ds := dumpSubject{dump: parts[0], hash: parts[2]}
		if _, dup := seen[ds]; dup {
			continue
		}
		seen[ds] = struct{}{}

		dumpDate, err := time.Parse(stressappDumpLayout, ds.dump)
		if err != nil {
			h.log.Warn("skipping unparseable dump folder", "key", key)
			continue
		}
		if dumpDate.Before(from) || dumpDate.After(to) {
			continue
		}

		hint := ""
		vtt, err := h.registry.GetVTT(ctx, ds.hash)
		if err != nil {
			return nil, fmt.Errorf("stressapp hash lookup: %w", err)
		}
		if vtt != nil {
			hint = vtt.PatientID
		}

		// One dump covers the week leading up to it.
		out = append(out, types.RawRecording{
			Ref:       ds.dump + "/" + ds.hash,
			DeviceRef: h.deviceID,
			UserHint:  hint,
			Start:     dumpDate.AddDate(0, 0, -7),
			End:       dumpDate,
			Meta: map[string]any{
				"dump_date":    ds.dump,
				"subject_hash": ds.hash,
			},
		})
	}
	return out, nil
}

// FetchFiles mirrors the subject's zip+nfo objects for the dump the
// record came from.
func (h *Stressapp) FetchFiles(ctx context.Context, rec *types.Record, dir string) error {
	var meta struct {
		DumpDate    string `json:"dump_date"`
		SubjectHash string `json:"subject_hash"`
	}
	if err := json.Unmarshal(rec.Meta, &meta); err != nil {
		return fmt.Errorf("record %s meta: %w", rec.Hash, err)
	}
	if meta.DumpDate == "" || meta.SubjectHash == "" {
		return fmt.Errorf("record %s meta carries no dump coordinates", rec.Hash)
	}

	total := 0
	for _, prefix := range []string{"raw", "files"} {
		n, err := h.bucket.DownloadPrefix(ctx,
			fmt.Sprintf("%s/%s/%s", meta.DumpDate, prefix, meta.SubjectHash), dir)
		if err != nil {
			return err
		}
		total += n
	}
	if total == 0 {
		return fmt.Errorf("no objects found for %s in dump %s", meta.SubjectHash, meta.DumpDate)
	}
	return nil
}
