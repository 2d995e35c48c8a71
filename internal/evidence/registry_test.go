package evidence

import (
	"path/filepath"
	"testing"
)

func TestRegistryLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".upload_registry.json")
	r, err := OpenRegistry(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.MarkPending("EB-20260301-0002"); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkPending("EB-20260301-0001"); err != nil {
		t.Fatal(err)
	}

	// Oldest (lowest id) first.
	pending := r.Pending()
	if len(pending) != 2 || pending[0] != "EB-20260301-0001" {
		t.Errorf("Pending() = %v", pending)
	}

	if err := r.MarkUploaded("EB-20260301-0001", "s3://bucket/evidence/site-a/2026/03/EB-20260301-0001.json"); err != nil {
		t.Fatal(err)
	}
	pending = r.Pending()
	if len(pending) != 1 || pending[0] != "EB-20260301-0002" {
		t.Errorf("Pending() after upload = %v", pending)
	}

	e, ok := r.Get("EB-20260301-0001")
	if !ok || e.State != StateUploaded || e.WormURI == "" || e.UploadedAt.IsZero() {
		t.Errorf("uploaded entry = %+v", e)
	}

	// Failed bundles remain eligible and count attempts.
	if err := r.MarkFailed("EB-20260301-0002", "timeout"); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkFailed("EB-20260301-0002", "timeout"); err != nil {
		t.Fatal(err)
	}
	e, _ = r.Get("EB-20260301-0002")
	if e.State != StateFailed || e.Attempts != 2 || e.LastError != "timeout" {
		t.Errorf("failed entry = %+v", e)
	}
	if got := r.Pending(); len(got) != 1 {
		t.Errorf("failed bundle dropped from Pending(): %v", got)
	}

	counts := r.Counts()
	if counts[StateUploaded] != 1 || counts[StateFailed] != 1 {
		t.Errorf("Counts() = %v", counts)
	}
}

func TestRegistrySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".upload_registry.json")
	r, err := OpenRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.MarkPending("EB-20260301-0001"); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkUploaded("EB-20260301-0001", "worm://x"); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkPending("EB-20260301-0002"); err != nil {
		t.Fatal(err)
	}

	r2, err := OpenRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := r2.Pending(); len(got) != 1 || got[0] != "EB-20260301-0002" {
		t.Errorf("Pending() after reopen = %v", got)
	}
	e, ok := r2.Get("EB-20260301-0001")
	if !ok || e.State != StateUploaded || e.WormURI != "worm://x" {
		t.Errorf("uploaded entry lost on reopen: %+v", e)
	}
}
