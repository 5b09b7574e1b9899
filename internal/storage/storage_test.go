package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "astrostack.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)

	rec := JobRecord{
		ID:        "job-1",
		JobType:   "stack",
		Status:    "queued",
		InputPath: "/astro/lights",
	}
	if err := s.RecordJobQueued(rec); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordJobStart("job-1"); err != nil {
		t.Fatal(err)
	}
	meta := map[string]any{"frames": 12, "output": "/out/m31.fits"}
	if err := s.RecordJobResult("job-1", "completed", meta, ""); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.RecentJobs(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Status != "completed" {
		t.Fatalf("status %q, want completed", jobs[0].Status)
	}
	if jobs[0].StartedAt == nil || jobs[0].CompletedAt == nil {
		t.Fatalf("timestamps not recorded: %+v", jobs[0])
	}

	got, err := s.JobMeta("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got["output"] != "/out/m31.fits" {
		t.Fatalf("meta round trip lost output: %v", got)
	}
}

func TestFrameDiagnosticsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	diags := []FrameDiagnostic{
		{JobID: "job-2", FrameIndex: 1, FilePath: "l2.fits", Score: 71.5, MatchedStars: 14, DX: -3.5, DY: 2.25},
		{JobID: "job-2", FrameIndex: 0, FilePath: "l1.fits", Score: 80.2, MatchedStars: -1},
	}
	if err := s.RecordFrameDiagnostics(diags); err != nil {
		t.Fatal(err)
	}

	got, err := s.FrameDiagnostics("job-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 diagnostics, got %d", len(got))
	}
	if got[0].FrameIndex != 0 || got[1].FrameIndex != 1 {
		t.Fatalf("diagnostics not ordered by frame index: %+v", got)
	}
	if got[0].MatchedStars != -1 {
		t.Fatalf("reference sentinel lost: %d", got[0].MatchedStars)
	}
	if got[1].DX != -3.5 || got[1].DY != 2.25 {
		t.Fatalf("offsets lost: %+v", got[1])
	}

	// re-recording the same job replaces, not duplicates
	if err := s.RecordFrameDiagnostics(diags[:1]); err != nil {
		t.Fatal(err)
	}
	got, err = s.FrameDiagnostics("job-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("INSERT OR REPLACE should keep 2 rows, got %d", len(got))
	}
}

func TestRecordFrameEvent(t *testing.T) {
	s := newTestStore(t)
	ev := FrameEvent{
		FilePath:  "/capture/light_0001.fits",
		EventType: "created",
		EventTime: time.Now(),
		FileSize:  8 * 1024 * 1024,
	}
	if err := s.RecordFrameEvent(ev); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM frame_events WHERE file_path = ?`, ev.FilePath).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 event row, got %d", count)
	}
}

func TestNilStoreIsNoOp(t *testing.T) {
	var s *Store
	if err := s.RecordJobQueued(JobRecord{ID: "x"}); err != nil {
		t.Fatalf("nil store should no-op: %v", err)
	}
	if err := s.RecordFrameEvent(FrameEvent{}); err != nil {
		t.Fatalf("nil store should no-op: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil store close: %v", err)
	}
}
