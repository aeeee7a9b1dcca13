package domain

import (
	"errors"
	"testing"
	"time"

	dberrors "github.com/yungbote/devicebridge/internal/pkg/errors"
)

func baseRecord() *Record {
	return &Record{
		Hash:            "abc123",
		ManufacturerRef: "rec-1",
		DeviceType:      DeviceSLB,
		DeviceID:        "SLB-NXYP6F",
		PatientID:       "K-NXYP6F",
		StartWear:       time.Date(2020, 7, 10, 0, 0, 0, 0, time.UTC),
		EndWear:         time.Date(2020, 7, 20, 0, 0, 0, 0, time.UTC),
	}
}

func TestStageOrdering(t *testing.T) {
	r := baseRecord()

	if err := r.MarkProcessed(); !errors.Is(err, dberrors.ErrInvalidTransition) {
		t.Fatalf("MarkProcessed before download: want ErrInvalidTransition, got %v", err)
	}
	if r.IsProcessed {
		t.Fatal("failed transition must not mutate the flag")
	}
	if err := r.MarkPrepared("folder"); !errors.Is(err, dberrors.ErrInvalidTransition) {
		t.Fatalf("MarkPrepared before processed: want ErrInvalidTransition, got %v", err)
	}
	if err := r.MarkUploaded(); !errors.Is(err, dberrors.ErrInvalidTransition) {
		t.Fatalf("MarkUploaded before prepared: want ErrInvalidTransition, got %v", err)
	}

	if err := r.MarkDownloaded(); err != nil {
		t.Fatalf("MarkDownloaded: %v", err)
	}
	if err := r.MarkProcessed(); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if err := r.MarkPrepared("K123ABCSLB456DEF-20200710-20200720"); err != nil {
		t.Fatalf("MarkPrepared: %v", err)
	}
	if r.DMPFolder == "" {
		t.Fatal("MarkPrepared must record the staging folder")
	}
	if err := r.MarkUploaded(); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
}

func TestValidateRejectsSkippedStages(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Record)
	}{
		{"uploaded without prepared", func(r *Record) { r.IsUploaded = true }},
		{"prepared without processed", func(r *Record) { r.IsPrepared = true }},
		{"processed without downloaded", func(r *Record) { r.IsProcessed = true }},
	}
	for _, tc := range cases {
		r := baseRecord()
		tc.mutate(r)
		if err := r.Validate(); !errors.Is(err, dberrors.ErrInvalidTransition) {
			t.Fatalf("%s: want ErrInvalidTransition, got %v", tc.name, err)
		}
	}

	full := baseRecord()
	full.IsDownloaded = true
	full.IsProcessed = true
	full.IsPrepared = true
	full.IsUploaded = true
	if err := full.Validate(); err != nil {
		t.Fatalf("fully advanced record must validate: %v", err)
	}
}

func TestDownloadFolderLayout(t *testing.T) {
	r := baseRecord()
	got := r.DownloadFolder("/data/storage")
	want := "/data/storage/SLB/K-NXYP6F/SLB-NXYP6F"
	if got != want {
		t.Fatalf("DownloadFolder: got %q want %q", got, want)
	}
	if meta := r.MetadataPath("/data/storage"); meta != want+"/rec-1-meta.json" {
		t.Fatalf("MetadataPath: got %q", meta)
	}
}
