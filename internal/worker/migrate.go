package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ppiankov/policycache/internal/model"
	"github.com/ppiankov/policycache/internal/store"
)

// CopyResult is the outcome of copying one record
type CopyResult struct {
	ID    string
	URL   string
	Error error
}

// MigrateReport summarizes a migration
type MigrateReport struct {
	Total   int
	Copied  int
	Results []CopyResult // Failed copies only
}

// Failed returns how many records could not be copied
func (r MigrateReport) Failed() int {
	return len(r.Results)
}

// Migrator copies every record from one store to another, keeping ids and
// timestamps
type Migrator struct {
	src     store.Store
	dst     store.Store
	workers int
	limiter *Limiter
	logger  *slog.Logger
}

// NewMigrator creates a migrator writing at most writesPerSecond to dst
func NewMigrator(src, dst store.Store, workers int, writesPerSecond float64, burst int, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		src:     src,
		dst:     dst,
		workers: workers,
		limiter: NewLimiter(writesPerSecond, burst),
		logger:  logger.With("component", "migrate", "from", src.Name(), "to", dst.Name()),
	}
}

// Run copies all records. Individual failures are collected in the report;
// only a failure to read the source aborts the run.
func (m *Migrator) Run(ctx context.Context) (MigrateReport, error) {
	records, err := m.src.GetRecent(ctx, 0)
	if err != nil {
		return MigrateReport{}, fmt.Errorf("read %s store: %w", m.src.Name(), err)
	}

	report := MigrateReport{Total: len(records)}
	if len(records) == 0 {
		return report, nil
	}

	pool := NewPool[CopyResult](ctx, m.workers)
	pool.Start()

	go func() {
		defer pool.Close()
		for _, rec := range records {
			if !pool.Submit(m.copyJob(rec)) {
				return
			}
		}
	}()

	for res := range pool.Results() {
		if res.Error != nil {
			m.logger.Warn("copy failed", "id", res.ID, "url", res.URL, "error", res.Error)
			report.Results = append(report.Results, res)
			continue
		}
		report.Copied++
	}

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("migration interrupted after %d of %d records: %w", report.Copied, report.Total, err)
	}
	m.logger.Info("migration finished", "total", report.Total, "copied", report.Copied, "failed", report.Failed())
	return report, nil
}

func (m *Migrator) copyJob(rec model.Record) Job[CopyResult] {
	return func(ctx context.Context) CopyResult {
		res := CopyResult{ID: rec.ID, URL: rec.URL}
		if err := m.limiter.Wait(ctx, m.dst.Name()); err != nil {
			res.Error = err
			return res
		}
		res.Error = m.dst.Import(ctx, rec)
		return res
	}
}
