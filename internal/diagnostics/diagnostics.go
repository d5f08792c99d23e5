// Package diagnostics audits and repairs local sync state. It can run at any
// time; callers should avoid running a repair while a sync is in flight.
package diagnostics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/models"
	"github.com/marcus/tandem/internal/watermark"
)

// maxClockSkew is how far in the future a cursor may be before it is flagged.
const maxClockSkew = 24 * time.Hour

// DuplicateReport describes the watermark rows stored under the cursor key.
type DuplicateReport struct {
	HasDuplicates bool
	Count         int
	Records       []models.Watermark
}

// RepairResult is the outcome of RepairDuplicateWatermarks.
type RepairResult struct {
	Removed int
	Kept    *models.Watermark
}

// IntegrityReport lists every problem found. IsValid is true when Issues is empty.
type IntegrityReport struct {
	IsValid bool
	Issues  []string
}

// DeviceIdentity supplies the device id shown in reports.
type DeviceIdentity interface {
	DeviceID(ctx context.Context) (string, error)
}

// Service runs checks against one local database.
type Service struct {
	db      *db.DB
	devices DeviceIdentity
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Service. devices may be nil; the report then omits the device id.
func New(database *db.DB, devices DeviceIdentity, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: database, devices: devices, logger: logger, now: time.Now}
}

// CheckDuplicateWatermarks lists every cursor row. More than one is corruption.
func (s *Service) CheckDuplicateWatermarks(ctx context.Context) (DuplicateReport, error) {
	rows, err := watermark.New(s.db).List(ctx)
	if err != nil {
		return DuplicateReport{}, fmt.Errorf("check duplicate watermarks: %w", err)
	}
	return DuplicateReport{
		HasDuplicates: len(rows) > 1,
		Count:         len(rows),
		Records:       rows,
	}, nil
}

// RepairDuplicateWatermarks keeps the row with the greatest last_pulled_at and
// deletes the rest in a single transaction.
func (s *Service) RepairDuplicateWatermarks(ctx context.Context) (RepairResult, error) {
	var result RepairResult
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := watermark.ListTx(ctx, tx)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		// ListTx orders by last_pulled_at descending, so the first row wins.
		keep := rows[0]
		ids := make([]string, 0, len(rows)-1)
		for _, w := range rows[1:] {
			ids = append(ids, w.ID)
		}
		if err := watermark.DeleteTx(ctx, tx, ids); err != nil {
			return err
		}
		result = RepairResult{Removed: len(ids), Kept: &keep}
		return nil
	})
	if err != nil {
		return RepairResult{}, fmt.Errorf("repair duplicate watermarks: %w", err)
	}
	if result.Removed > 0 {
		s.logger.Warn("diagnostics: removed duplicate watermarks",
			"removed", result.Removed, "kept", result.Kept.ID, "last_pulled_at", result.Kept.LastPulledAt)
	}
	return result, nil
}

// UnsyncedCounts reports pending rows per replicated table.
func (s *Service) UnsyncedCounts(ctx context.Context) (map[models.Table]int64, error) {
	return s.db.UnsyncedCounts(ctx)
}

// VerifyIntegrity runs every check and collects problems as issues.
// Only failures to read the database are returned as errors.
func (s *Service) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	var issues []string

	for _, table := range append([]models.Table{models.TableSyncWatermks}, models.SyncTables...) {
		ok, err := s.db.TableExists(string(table))
		if err != nil {
			return IntegrityReport{}, fmt.Errorf("verify integrity: %w", err)
		}
		if !ok {
			issues = append(issues, fmt.Sprintf("table %s is missing", table))
		}
	}
	if len(issues) > 0 {
		return IntegrityReport{Issues: issues}, nil
	}

	dup, err := s.CheckDuplicateWatermarks(ctx)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("verify integrity: %w", err)
	}
	if dup.HasDuplicates {
		issues = append(issues, fmt.Sprintf("%d watermark records under key %q (expected 1)", dup.Count, models.WatermarkKey))
	}

	limit := s.now().Add(maxClockSkew).UnixMilli()
	for _, w := range dup.Records {
		issues = append(issues, cursorIssues(w, limit)...)
	}

	return IntegrityReport{IsValid: len(issues) == 0, Issues: issues}, nil
}

func cursorIssues(w models.Watermark, limit int64) []string {
	var issues []string
	check := func(name string, v int64) {
		switch {
		case v < 0:
			issues = append(issues, fmt.Sprintf("watermark %s: %s is negative (%d)", w.ID, name, v))
		case v > limit:
			issues = append(issues, fmt.Sprintf("watermark %s: %s is in the future (%s)",
				w.ID, name, models.FromMillis(v).Format(time.RFC3339)))
		}
	}
	check("last_pulled_at", w.LastPulledAt)
	check("last_pushed_at", w.LastPushedAt)
	return issues
}

// Report renders every check as an operator-readable block of text.
func (s *Service) Report(ctx context.Context) (string, error) {
	var b strings.Builder

	if s.devices != nil {
		id, err := s.devices.DeviceID(ctx)
		if err != nil {
			fmt.Fprintf(&b, "Device id .............. FAIL (%v)\n", err)
		} else {
			fmt.Fprintf(&b, "Device id .............. %s\n", id)
		}
	}

	if v, err := s.db.GetSchemaVersion(); err != nil {
		fmt.Fprintf(&b, "Schema version ......... FAIL (%v)\n", err)
	} else {
		fmt.Fprintf(&b, "Schema version ......... %d\n", v)
	}

	counts, err := s.UnsyncedCounts(ctx)
	if err != nil {
		return "", err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(&b, "Pending changes ........ %d\n", total)
	for _, t := range models.SyncTables {
		if counts[t] > 0 {
			fmt.Fprintf(&b, "  %-20s %d\n", t, counts[t])
		}
	}

	dup, err := s.CheckDuplicateWatermarks(ctx)
	if err != nil {
		return "", err
	}
	switch {
	case dup.Count == 0:
		fmt.Fprintf(&b, "Watermark .............. none (next sync pulls everything)\n")
	case dup.HasDuplicates:
		fmt.Fprintf(&b, "Watermark .............. FAIL (%d records, run repair)\n", dup.Count)
	default:
		w := dup.Records[0]
		fmt.Fprintf(&b, "Watermark .............. OK (pulled %s)\n", formatMillis(w.LastPulledAt))
	}

	integrity, err := s.VerifyIntegrity(ctx)
	if err != nil {
		return "", err
	}
	if integrity.IsValid {
		fmt.Fprintf(&b, "Integrity .............. OK\n")
	} else {
		fmt.Fprintf(&b, "Integrity .............. %d issue(s)\n", len(integrity.Issues))
		for _, issue := range integrity.Issues {
			fmt.Fprintf(&b, "  - %s\n", issue)
		}
	}

	return b.String(), nil
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return models.FromMillis(ms).Format(time.RFC3339)
}
