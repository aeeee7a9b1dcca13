// Package pipeline drives one device platform through the batch stages:
// harvest metadata, download raw files, preprocess, stage for upload,
// upload. Progress is tracked per record through the stage flags, so a
// crashed or failed run resumes from the database on the next pass.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/yungbote/devicebridge/internal/archive"
	"github.com/yungbote/devicebridge/internal/data/repos/records"
	types "github.com/yungbote/devicebridge/internal/domain"
	"github.com/yungbote/devicebridge/internal/harvest"
	"github.com/yungbote/devicebridge/internal/identity"
	"github.com/yungbote/devicebridge/internal/pkg/contenthash"
	"github.com/yungbote/devicebridge/internal/pkg/logger"
	"github.com/yungbote/devicebridge/internal/utils"
)

type Pipeline struct {
	log       *logger.Logger
	repo      records.RecordRepo
	harvester harvest.Harvester
	engine    *identity.Engine
	archive   archive.Client

	// storageRoot holds per-record working folders; uploadRoot holds the
	// merged staging folders awaiting upload.
	storageRoot string
	uploadRoot  string

	now func() time.Time
}

func New(log *logger.Logger, repo records.RecordRepo, h harvest.Harvester, engine *identity.Engine, arc archive.Client, storageRoot, uploadRoot string) *Pipeline {
	return &Pipeline{
		log:         log.With("pipeline", string(h.DeviceType())),
		repo:        repo,
		harvester:   h,
		engine:      engine,
		archive:     arc,
		storageRoot: storageRoot,
		uploadRoot:  uploadRoot,
		now:         time.Now,
	}
}

// Run executes the full stage graph for one harvest window.
func (p *Pipeline) Run(ctx context.Context, from, to time.Time) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("device_type", string(p.harvester.DeviceType())),
			attribute.String("window.from", from.Format(time.RFC3339)),
			attribute.String("window.to", to.Format(time.RFC3339)),
		))
	defer span.End()
	return runStages(ctx, p.log, []Stage{
		{Name: "harvest_metadata", Run: func(ctx context.Context) error {
			return p.HarvestMetadata(ctx, from, to)
		}},
		{Name: "download", Deps: []string{"harvest_metadata"}, Run: p.Download},
		{Name: "preprocess", Deps: []string{"download"}, Run: p.Preprocess},
		{Name: "stage_for_upload", Deps: []string{"preprocess"}, Run: p.StageForUpload},
		{Name: "upload", Deps: []string{"stage_for_upload"}, Run: p.Upload},
	})
}

// HarvestMetadata lists the vendor for the window, drops recordings the
// pipeline has already seen (by content hash, never vendor id), resolves
// identity and persists the rest. Unresolved and ambiguous recordings are
// logged and left with the vendor; they are retried on every future run
// until the reference systems can place them.
func (p *Pipeline) HarvestMetadata(ctx context.Context, from, to time.Time) error {
	dt := p.harvester.DeviceType()
	listed, err := p.harvester.ListNew(ctx, from, to)
	if err != nil {
		return err
	}
	known, err := p.repo.AllHashes(ctx)
	if err != nil {
		return err
	}

	created, skipped := 0, 0
	for _, raw := range listed {
		hash := contenthash.UID(raw.Ref, dt)
		if _, ok := known[hash]; ok {
			continue
		}

		res, err := p.engine.Resolve(ctx, dt, raw)
		if err != nil {
			return err
		}
		if res.Outcome != identity.Resolved {
			skipped++
			p.log.Warn("recording not placeable",
				"outcome", string(res.Outcome),
				"reason", res.Reason,
				"candidates", res.Candidates,
				"vendor_ref", raw.Ref,
				"device_ref", raw.DeviceRef)
			continue
		}

		meta, err := json.Marshal(raw.Meta)
		if err != nil {
			return fmt.Errorf("encode meta for %s: %w", raw.Ref, err)
		}
		rec := &types.Record{
			Hash:            hash,
			ManufacturerRef: raw.Ref,
			DeviceType:      dt,
			DeviceID:        res.DeviceID,
			PatientID:       res.PatientID,
			StartWear:       raw.Start,
			EndWear:         raw.End,
			Meta:            datatypes.JSON(meta),
			IsDownloaded:    raw.Embedded,
		}
		if _, err := p.repo.Create(ctx, rec); err != nil {
			return fmt.Errorf("persist record %s: %w", raw.Ref, err)
		}
		known[hash] = struct{}{}
		if err := utils.WriteJSON(rec.MetadataPath(p.storageRoot), raw.Meta); err != nil {
			return fmt.Errorf("write sidecar for %s: %w", raw.Ref, err)
		}
		created++
	}
	p.log.Info("harvest done", "listed", len(listed), "created", created, "skipped", skipped)
	return nil
}

// Download fetches raw files for every record still missing them. A fetch
// failure is per-record: the record keeps is_downloaded=false and the next
// run retries it, while the rest of the batch proceeds.
func (p *Pipeline) Download(ctx context.Context) error {
	pending, err := p.repo.Query(ctx, records.Filter{
		DeviceType:   p.harvester.DeviceType(),
		IsDownloaded: boolPtr(false),
	})
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := rec.DownloadFolder(p.storageRoot)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := p.harvester.FetchFiles(ctx, rec, dir); err != nil {
			p.log.Warn("fetch failed, will retry next run", "hash", rec.Hash, "error", err)
			continue
		}
		if err := rec.MarkDownloaded(); err != nil {
			return err
		}
		if err := p.repo.Update(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Preprocess advances downloaded records to processed. Device-specific
// transformations hook in here; every current platform ships files as
// delivered.
func (p *Pipeline) Preprocess(ctx context.Context) error {
	pending, err := p.repo.Query(ctx, records.Filter{
		DeviceType:   p.harvester.DeviceType(),
		IsDownloaded: boolPtr(true),
		IsProcessed:  boolPtr(false),
	})
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if err := rec.MarkProcessed(); err != nil {
			return err
		}
		if err := p.repo.Update(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// StageForUpload merges each (patient, device) group into one staging
// folder named for the union wear span. A group is promoted only when
// every member is processed; otherwise the whole group waits, so a bundle
// never ships half a wear period.
func (p *Pipeline) StageForUpload(ctx context.Context) error {
	candidates, err := p.repo.Query(ctx, records.Filter{
		DeviceType: p.harvester.DeviceType(),
		IsPrepared: boolPtr(false),
		IsUploaded: boolPtr(false),
	})
	if err != nil {
		return err
	}

	type groupKey struct{ patientID, deviceID string }
	groups := map[groupKey][]*types.Record{}
	var order []groupKey
	for _, rec := range candidates {
		key := groupKey{rec.PatientID, rec.DeviceID}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	for _, key := range order {
		group := groups[key]
		ready := true
		for _, rec := range group {
			if !rec.IsProcessed {
				ready = false
				break
			}
		}
		if !ready {
			p.log.Info("group not ready, deferring", "patient_id", key.patientID, "device_id", key.deviceID, "records", len(group))
			continue
		}

		folder := stagingFolderName(key.patientID, key.deviceID, unionSpan(group))
		dest := filepath.Join(p.uploadRoot, p.harvester.DeviceType().String(), folder)
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		src := group[0].DownloadFolder(p.storageRoot)
		if err := moveContents(src, dest); err != nil {
			return fmt.Errorf("stage group %s/%s: %w", key.patientID, key.deviceID, err)
		}
		for _, rec := range group {
			if err := rec.MarkPrepared(folder); err != nil {
				return err
			}
			if err := p.repo.Update(ctx, rec); err != nil {
				return err
			}
		}
		p.log.Info("group staged", "folder", folder, "records", len(group))
	}
	return nil
}

// Upload zips and ships every staged folder. A failed folder is left
// intact for the next run; its records keep is_uploaded=false. Success
// marks every record of the folder and removes the local copies, which is
// what makes delivery exactly-once from the archive's point of view.
func (p *Pipeline) Upload(ctx context.Context) error {
	staged, err := p.repo.Query(ctx, records.Filter{
		DeviceType: p.harvester.DeviceType(),
		IsPrepared: boolPtr(true),
		IsUploaded: boolPtr(false),
	})
	if err != nil {
		return err
	}
	byFolder := map[string][]*types.Record{}
	var order []string
	for _, rec := range staged {
		if _, ok := byFolder[rec.DMPFolder]; !ok {
			order = append(order, rec.DMPFolder)
		}
		byFolder[rec.DMPFolder] = append(byFolder[rec.DMPFolder], rec)
	}

	var failures []error
	for _, folder := range order {
		group := byFolder[folder]
		path := filepath.Join(p.uploadRoot, p.harvester.DeviceType().String(), folder)

		zipPath, checksum, err := archive.ZipFolder(path)
		if err != nil {
			failures = append(failures, fmt.Errorf("zip %s: %w", folder, err))
			continue
		}
		span := unionSpan(group)
		err = p.archive.Upload(ctx, zipPath,
			group[0].PatientID, group[0].DeviceID,
			span.start.UnixMilli(), span.end.UnixMilli(), checksum)
		if err != nil {
			_ = os.Remove(zipPath)
			failures = append(failures, fmt.Errorf("upload %s: %w", folder, err))
			p.log.Warn("upload failed, folder kept for next run", "folder", folder, "error", err)
			continue
		}

		for _, rec := range group {
			if err := rec.MarkUploaded(); err != nil {
				return err
			}
			if err := p.repo.Update(ctx, rec); err != nil {
				return err
			}
		}
		if err := archive.RemoveLocal(zipPath); err != nil {
			p.log.Warn("cleanup failed", "zip", zipPath, "error", err)
		}
		p.log.Info("folder uploaded", "folder", folder, "records", len(group))
	}
	return errors.Join(failures...)
}

type span struct{ start, end time.Time }

func unionSpan(group []*types.Record) span {
	s := span{start: group[0].StartWear, end: group[0].EndWear}
	for _, rec := range group[1:] {
		if rec.StartWear.Before(s.start) {
			s.start = rec.StartWear
		}
		if rec.EndWear.After(s.end) {
			s.end = rec.EndWear
		}
	}
	return s
}

// stagingFolderName builds {patientid}{deviceid}-{YYYYMMDD}-{YYYYMMDD}
// with the id separators stripped, the layout the archive expects.
func stagingFolderName(patientID, deviceID string, s span) string {
	strip := func(id string) string { return strings.ReplaceAll(id, "-", "") }
	return fmt.Sprintf("%s%s-%s-%s",
		strip(patientID), strip(deviceID),
		s.start.UTC().Format("20060102"), s.end.UTC().Format("20060102"))
}

// moveContents renames every entry of src into dest, merging with
// whatever is already there. A missing src is fine: embedded-payload
// platforms have no working folder beyond the sidecar.
func moveContents(src, dest string) error {
	entries, err := os.ReadDir(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.Rename(filepath.Join(src, e.Name()), filepath.Join(dest, e.Name())); err != nil {
			return err
		}
	}
	return os.Remove(src)
}

func boolPtr(b bool) *bool { return &b }
