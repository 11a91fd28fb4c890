package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ppiankov/policycache/internal/model"
	"github.com/ppiankov/policycache/internal/store"
)

func openFileStore(t *testing.T, name string) *store.FileStore {
	t.Helper()
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), name), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

// failingStore rejects imports for one id
type failingStore struct {
	*store.FileStore
	failID string
}

func (f *failingStore) Import(ctx context.Context, rec model.Record) error {
	if rec.ID == f.failID {
		return errors.New("write rejected")
	}
	return f.FileStore.Import(ctx, rec)
}

func TestMigrator_CopiesEverything(t *testing.T) {
	ctx := context.Background()
	src := openFileStore(t, "src.json")
	dst := openFileStore(t, "dst.json")

	ids := make(map[string]string)
	for i := 0; i < 25; i++ {
		url := fmt.Sprintf("https://example.com/policy/%d", i)
		id, err := src.Save(ctx, model.Entry{URL: url, ShortSummary: fmt.Sprint(i)})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		ids[url] = id
	}

	report, err := NewMigrator(src, dst, 4, 0, 1, nil).Run(ctx)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if report.Total != 25 || report.Copied != 25 || report.Failed() != 0 {
		t.Errorf("unexpected report: %+v", report)
	}

	for url, id := range ids {
		rec, err := dst.GetByURL(ctx, url, 0)
		if err != nil {
			t.Errorf("lookup %s: %v", url, err)
			continue
		}
		if rec.ID != id {
			t.Errorf("%s: expected id %s, got %s", url, id, rec.ID)
		}
		orig, _ := src.GetByID(ctx, id)
		if rec.Timestamp != orig.Timestamp || rec.CreatedAt != orig.CreatedAt {
			t.Errorf("%s: timestamps not preserved", url)
		}
	}
}

func TestMigrator_ReplacesDestinationEntry(t *testing.T) {
	ctx := context.Background()
	src := openFileStore(t, "src.json")
	dst := openFileStore(t, "dst.json")

	srcID, _ := src.Save(ctx, model.Entry{URL: "example.com/tos", ShortSummary: "from source"})
	if _, err := dst.Save(ctx, model.Entry{URL: "https://www.example.com/tos", ShortSummary: "stale"}); err != nil {
		t.Fatal(err)
	}

	if _, err := NewMigrator(src, dst, 1, 0, 1, nil).Run(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rec, err := dst.GetByURL(ctx, "example.com/tos", 0)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != srcID || rec.ShortSummary != "from source" {
		t.Errorf("expected source record, got %+v", rec)
	}
	stats, _ := dst.Stats(ctx)
	if stats.Records != 1 {
		t.Errorf("expected 1 record in destination, got %d", stats.Records)
	}
}

func TestMigrator_CollectsFailures(t *testing.T) {
	ctx := context.Background()
	src := openFileStore(t, "src.json")

	badID, _ := src.Save(ctx, model.Entry{URL: "example.com/bad"})
	if _, err := src.Save(ctx, model.Entry{URL: "example.com/good"}); err != nil {
		t.Fatal(err)
	}

	dst := &failingStore{FileStore: openFileStore(t, "dst.json"), failID: badID}
	report, err := NewMigrator(src, dst, 2, 0, 1, nil).Run(ctx)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if report.Copied != 1 || report.Failed() != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Results[0].ID != badID || report.Results[0].Error == nil {
		t.Errorf("expected failure for %s, got %+v", badID, report.Results[0])
	}
}

func TestMigrator_EmptySource(t *testing.T) {
	report, err := NewMigrator(openFileStore(t, "src.json"), openFileStore(t, "dst.json"), 2, 0, 1, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Total != 0 || report.Copied != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestMigrator_Cancelled(t *testing.T) {
	src := openFileStore(t, "src.json")
	for i := 0; i < 5; i++ {
		if _, err := src.Save(context.Background(), model.Entry{URL: fmt.Sprintf("example.com/%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewMigrator(src, openFileStore(t, "dst.json"), 2, 0, 1, nil).Run(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
}
