package services

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/camden-git/footfallbackend/models"
	"github.com/camden-git/footfallbackend/timeutil"
)

// CustomerLister is the read side of the customer store.
type CustomerLister interface {
	ListAll(ctx context.Context) ([]models.Customer, error)
	ListActive(ctx context.Context) ([]models.Customer, error)
}

// AnalyticsService aggregates census records for reporting.
type AnalyticsService struct {
	customers CustomerLister
	clock     timeutil.Clock
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(customers CustomerLister, clock timeutil.Clock) *AnalyticsService {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &AnalyticsService{customers: customers, clock: clock}
}

// Summary is the headline census view.
type Summary struct {
	ActiveCount    int     `json:"active_count"`
	TotalCount     int     `json:"total_count"`
	AverageDwellMs int64   `json:"average_dwell_ms"`
	AverageDwell   string  `json:"average_dwell"`
	GeneratedAt    int64   `json:"generated_at"`
	ActiveRatio    float64 `json:"active_ratio"`
}

// ExportRow is one customer in an export. Snapshot is a data URL, empty
// when no snapshot was captured.
type ExportRow struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"stream_id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	DwellMs   int64     `json:"dwell_ms"`
	IsActive  bool      `json:"is_active"`
	Snapshot  string    `json:"snapshot,omitempty"`
}

// Summary counts customers and averages their dwell. Active customers
// dwell until now.
func (s *AnalyticsService) Summary(ctx context.Context) (Summary, error) {
	all, err := s.customers.ListAll(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list customers: %w", err)
	}

	now := s.clock.Now()
	out := Summary{TotalCount: len(all), GeneratedAt: now.UnixMilli()}
	var total time.Duration
	for i := range all {
		if all[i].IsActive {
			out.ActiveCount++
		}
		total += all[i].Dwell(now)
	}
	if out.TotalCount > 0 {
		avg := total / time.Duration(out.TotalCount)
		out.AverageDwellMs = avg.Milliseconds()
		out.ActiveRatio = float64(out.ActiveCount) / float64(out.TotalCount)
	}
	out.AverageDwell = time.Duration(out.AverageDwellMs * int64(time.Millisecond)).String()
	return out, nil
}

// ExportRows returns every customer, oldest first.
func (s *AnalyticsService) ExportRows(ctx context.Context) ([]ExportRow, error) {
	all, err := s.customers.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}

	now := s.clock.Now()
	rows := make([]ExportRow, 0, len(all))
	for i := range all {
		c := &all[i]
		row := ExportRow{
			ID:        c.ID,
			StreamID:  c.StreamID,
			FirstSeen: c.FirstSeen,
			LastSeen:  c.LastSeen,
			DwellMs:   c.Dwell(now).Milliseconds(),
			IsActive:  c.IsActive,
		}
		if c.HasSnapshot() {
			row.Snapshot = SnapshotDataURL(c.Snapshot)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

var exportHeader = []string{"id", "stream_id", "first_seen", "last_seen", "dwell_ms", "is_active", "snapshot"}

// WriteCSV writes the export rows as CSV with a header line.
func (s *AnalyticsService) WriteCSV(ctx context.Context, w io.Writer) error {
	rows, err := s.ExportRows(ctx)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.ID,
			r.StreamID,
			r.FirstSeen.UTC().Format(time.RFC3339Nano),
			r.LastSeen.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(r.DwellMs, 10),
			strconv.FormatBool(r.IsActive),
			r.Snapshot,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write csv row %s: %w", r.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// SnapshotDataURL encodes a JPEG snapshot as a data URL.
func SnapshotDataURL(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}
