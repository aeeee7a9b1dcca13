package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yungbote/devicebridge/internal/archive"
	"github.com/yungbote/devicebridge/internal/data/repos/records"
	"github.com/yungbote/devicebridge/internal/data/repos/testutil"
	types "github.com/yungbote/devicebridge/internal/domain"
	"github.com/yungbote/devicebridge/internal/identity"
	"github.com/yungbote/devicebridge/internal/pkg/logger"
)

type fakeHarvester struct {
	dt       types.DeviceType
	listings []types.RawRecording
	fetchErr map[string]error
	fetched  []string
}

func (f *fakeHarvester) DeviceType() types.DeviceType { return f.dt }

func (f *fakeHarvester) ListNew(ctx context.Context, from, to time.Time) ([]types.RawRecording, error) {
	return f.listings, nil
}

func (f *fakeHarvester) FetchFiles(ctx context.Context, rec *types.Record, dir string) error {
	if err := f.fetchErr[rec.ManufacturerRef]; err != nil {
		return err
	}
	f.fetched = append(f.fetched, rec.ManufacturerRef)
	return os.WriteFile(filepath.Join(dir, rec.ManufacturerRef+".dat"), []byte("raw"), 0o644)
}

type uploadCall struct {
	zipPath, patientID, deviceID string
	startMS, endMS               int64
	checksum                     string
}

type fakeArchive struct {
	uploads []uploadCall
	fail    bool
}

func (f *fakeArchive) Upload(ctx context.Context, zipPath, patientID, deviceID string, startMS, endMS int64, checksum string) error {
	if f.fail {
		return fmt.Errorf("archive rejected the bundle")
	}
	f.uploads = append(f.uploads, uploadCall{zipPath, patientID, deviceID, startMS, endMS, checksum})
	return nil
}

type noMatchResolver struct{}

func (noMatchResolver) AssociationsForDevice(ctx context.Context, deviceID string) ([]types.WearAssociation, error) {
	return nil, nil
}
func (noMatchResolver) PatientCandidates(ctx context.Context, deviceID string, start, end time.Time) ([]string, error) {
	return nil, nil
}

func testEngine(t *testing.T) *identity.Engine {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return identity.NewEngine(log, nil, noMatchResolver{}, noMatchResolver{}, nil)
}

type fixture struct {
	pipe      *Pipeline
	repo      records.RecordRepo
	harvester *fakeHarvester
	archive   *fakeArchive
	storage   string
	upload    string
}

func newFixture(t *testing.T, dt types.DeviceType, listings []types.RawRecording) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	repo := records.NewRecordRepo(db, log)
	h := &fakeHarvester{dt: dt, listings: listings, fetchErr: map[string]error{}}
	arc := &fakeArchive{}
	storage := t.TempDir()
	upload := t.TempDir()
	return &fixture{
		pipe:      New(log, repo, h, testEngine(t), arc, storage, upload),
		repo:      repo,
		harvester: h,
		archive:   arc,
		storage:   storage,
		upload:    upload,
	}
}

func rawRec(ref string, startDay, endDay int) types.RawRecording {
	return types.RawRecording{
		Ref:       ref,
		DeviceRef: "SLB-ACCDE7",
		UserHint:  "K-NXYP6F",
		Start:     time.Date(2020, 7, startDay, 8, 0, 0, 0, time.UTC),
		End:       time.Date(2020, 7, endDay, 7, 0, 0, 0, time.UTC),
		Meta:      map[string]any{"site": "bergen"},
	}
}

func countRecords(t *testing.T, repo records.RecordRepo, dt types.DeviceType) int {
	t.Helper()
	all, err := repo.Query(context.Background(), records.Filter{DeviceType: dt})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	return len(all)
}

func TestHarvestMetadataIdempotent(t *testing.T) {
	f := newFixture(t, types.DeviceSLB, []types.RawRecording{
		rawRec("rec-1", 10, 12),
		rawRec("rec-2", 13, 15),
	})
	ctx := context.Background()
	from, to := time.Unix(0, 0), time.Now()

	if err := f.pipe.HarvestMetadata(ctx, from, to); err != nil {
		t.Fatalf("HarvestMetadata: %v", err)
	}
	if got := countRecords(t, f.repo, types.DeviceSLB); got != 2 {
		t.Fatalf("want 2 records, got %d", got)
	}

	// Unchanged listing: second run creates nothing.
	if err := f.pipe.HarvestMetadata(ctx, from, to); err != nil {
		t.Fatalf("second HarvestMetadata: %v", err)
	}
	if got := countRecords(t, f.repo, types.DeviceSLB); got != 2 {
		t.Fatalf("harvest must be idempotent, got %d records", got)
	}

	// Sidecar metadata sits in the working folder.
	rec, err := f.repo.GetByHash(ctx, mustHash(t, f.repo, ctx))
	if err != nil || rec == nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if _, err := os.Stat(rec.MetadataPath(f.storage)); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
}

func mustHash(t *testing.T, repo records.RecordRepo, ctx context.Context) string {
	t.Helper()
	all, err := repo.Query(ctx, records.Filter{})
	if err != nil || len(all) == 0 {
		t.Fatalf("no records: %v", err)
	}
	return all[0].Hash
}

func TestHarvestSkipsUnplaceableRecordings(t *testing.T) {
	unknown := rawRec("rec-unknown", 10, 12)
	unknown.DeviceRef = "NOT-A-DEVICE"
	unknown.UserHint = ""
	f := newFixture(t, types.DeviceSLB, []types.RawRecording{unknown, rawRec("rec-ok", 10, 12)})

	if err := f.pipe.HarvestMetadata(context.Background(), time.Unix(0, 0), time.Now()); err != nil {
		t.Fatalf("HarvestMetadata: %v", err)
	}
	if got := countRecords(t, f.repo, types.DeviceSLB); got != 1 {
		t.Fatalf("unplaceable recordings must not be stored, got %d records", got)
	}
}

func TestEmbeddedRecordsBornDownloaded(t *testing.T) {
	embedded := rawRec("visit-1", 10, 10)
	embedded.DeviceRef = "CTP-T6Q7RQ"
	embedded.Embedded = true
	f := newFixture(t, types.DeviceCTP, []types.RawRecording{embedded})

	if err := f.pipe.HarvestMetadata(context.Background(), time.Unix(0, 0), time.Now()); err != nil {
		t.Fatalf("HarvestMetadata: %v", err)
	}
	all, err := f.repo.Query(context.Background(), records.Filter{DeviceType: types.DeviceCTP})
	if err != nil || len(all) != 1 {
		t.Fatalf("Query: %v (%d records)", err, len(all))
	}
	if !all[0].IsDownloaded {
		t.Fatal("embedded-payload records must be created downloaded")
	}
}

func TestDownloadRetriesFailuresNextRun(t *testing.T) {
	f := newFixture(t, types.DeviceSLB, []types.RawRecording{
		rawRec("rec-1", 10, 12),
		rawRec("rec-2", 13, 15),
	})
	ctx := context.Background()
	if err := f.pipe.HarvestMetadata(ctx, time.Unix(0, 0), time.Now()); err != nil {
		t.Fatalf("HarvestMetadata: %v", err)
	}

	f.harvester.fetchErr["rec-2"] = fmt.Errorf("not yet available upstream")
	if err := f.pipe.Download(ctx); err != nil {
		t.Fatalf("Download: %v", err)
	}

	pending, err := f.repo.Query(ctx, records.Filter{DeviceType: types.DeviceSLB, IsDownloaded: boolPtr(false)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(pending) != 1 || pending[0].ManufacturerRef != "rec-2" {
		t.Fatalf("failed fetch must stay undownloaded: %+v", pending)
	}

	// Next run: upstream recovered.
	delete(f.harvester.fetchErr, "rec-2")
	if err := f.pipe.Download(ctx); err != nil {
		t.Fatalf("second Download: %v", err)
	}
	pending, _ = f.repo.Query(ctx, records.Filter{DeviceType: types.DeviceSLB, IsDownloaded: boolPtr(false)})
	if len(pending) != 0 {
		t.Fatalf("recovered fetch must mark downloaded: %+v", pending)
	}
}

func TestStagingGateDefersIncompleteGroups(t *testing.T) {
	f := newFixture(t, types.DeviceSLB, []types.RawRecording{
		rawRec("rec-1", 10, 12),
		rawRec("rec-2", 13, 15),
		rawRec("rec-3", 16, 18),
	})
	ctx := context.Background()
	if err := f.pipe.HarvestMetadata(ctx, time.Unix(0, 0), time.Now()); err != nil {
		t.Fatalf("HarvestMetadata: %v", err)
	}

	// Only two of three download; the group must wait wholesale.
	f.harvester.fetchErr["rec-3"] = fmt.Errorf("still processing")
	if err := f.pipe.Download(ctx); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := f.pipe.Preprocess(ctx); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if err := f.pipe.StageForUpload(ctx); err != nil {
		t.Fatalf("StageForUpload: %v", err)
	}
	prepared, err := f.repo.Query(ctx, records.Filter{DeviceType: types.DeviceSLB, IsPrepared: boolPtr(true)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(prepared) != 0 {
		t.Fatalf("incomplete group must defer wholesale, got %d prepared", len(prepared))
	}

	// All three processed: one folder, union span, stripped ids.
	delete(f.harvester.fetchErr, "rec-3")
	if err := f.pipe.Download(ctx); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := f.pipe.Preprocess(ctx); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if err := f.pipe.StageForUpload(ctx); err != nil {
		t.Fatalf("StageForUpload: %v", err)
	}
	prepared, _ = f.repo.Query(ctx, records.Filter{DeviceType: types.DeviceSLB, IsPrepared: boolPtr(true)})
	if len(prepared) != 3 {
		t.Fatalf("want 3 prepared, got %d", len(prepared))
	}
	want := "KNXYP6FSLBACCDE7-20200710-20200718"
	for _, rec := range prepared {
		if rec.DMPFolder != want {
			t.Fatalf("folder name: want %s, got %s", want, rec.DMPFolder)
		}
	}
	folderPath := filepath.Join(f.upload, "SLB", want)
	entries, err := os.ReadDir(folderPath)
	if err != nil {
		t.Fatalf("staging folder: %v", err)
	}
	// 3 raw files + 3 sidecars moved from the working folder.
	if len(entries) != 6 {
		t.Fatalf("want 6 staged files, got %d", len(entries))
	}
}

func TestUploadMarksFolderAndCleansUp(t *testing.T) {
	f := newFixture(t, types.DeviceSLB, []types.RawRecording{
		rawRec("rec-1", 10, 12),
		rawRec("rec-2", 13, 15),
	})
	ctx := context.Background()
	if err := f.pipe.Run(ctx, time.Unix(0, 0), time.Now()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.archive.uploads) != 1 {
		t.Fatalf("want 1 upload, got %d", len(f.archive.uploads))
	}
	up := f.archive.uploads[0]
	if up.patientID != "K-NXYP6F" || up.deviceID != "SLB-ACCDE7" || up.checksum == "" {
		t.Fatalf("unexpected upload call: %+v", up)
	}
	wantStart := time.Date(2020, 7, 10, 0, 0, 0, 0, time.UTC)
	if got := time.UnixMilli(up.startMS).UTC(); !got.Equal(wantStart.Add(8 * time.Hour)) {
		t.Fatalf("unexpected span start: %v", got)
	}

	remaining, err := f.repo.Query(ctx, records.Filter{DeviceType: types.DeviceSLB, IsUploaded: boolPtr(false)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("every record in the folder must be marked uploaded: %+v", remaining)
	}
	if _, err := os.Stat(up.zipPath); !os.IsNotExist(err) {
		t.Fatal("uploaded zip must be removed")
	}
}

func TestUploadFailureKeepsFolderForRetry(t *testing.T) {
	f := newFixture(t, types.DeviceSLB, []types.RawRecording{rawRec("rec-1", 10, 12)})
	f.archive.fail = true
	ctx := context.Background()

	if err := f.pipe.Run(ctx, time.Unix(0, 0), time.Now()); err == nil {
		t.Fatal("upload failure must surface from the run")
	}

	staged, err := f.repo.Query(ctx, records.Filter{DeviceType: types.DeviceSLB, IsPrepared: boolPtr(true), IsUploaded: boolPtr(false)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(staged) != 1 {
		t.Fatalf("failed upload must leave records staged: %+v", staged)
	}
	folderPath := filepath.Join(f.upload, "SLB", staged[0].DMPFolder)
	if _, err := os.Stat(folderPath); err != nil {
		t.Fatalf("staged folder must survive a failed upload: %v", err)
	}

	// Next run with a healthy archive drains the folder.
	f.archive.fail = false
	if err := f.pipe.Run(ctx, time.Unix(0, 0), time.Now()); err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	if len(f.archive.uploads) != 1 {
		t.Fatalf("want 1 upload on retry, got %d", len(f.archive.uploads))
	}
}

var _ archive.Client = (*fakeArchive)(nil)
