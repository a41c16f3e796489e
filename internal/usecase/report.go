package usecase

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/projector"
	"github.com/roach88/floorlog/internal/report"
)

// KPIs computes shop-floor KPIs over every known work item as of now.
func (s *Service) KPIs(ctx context.Context) (report.KPIs, error) {
	histories, err := s.Histories(ctx)
	if err != nil {
		return report.KPIs{}, err
	}
	return report.ComputeKPIs(histories, s.clock.Now().UTC()), nil
}

// QcBottleneck lists items that have waited in ReadyForQc for at least
// threshold.
func (s *Service) QcBottleneck(ctx context.Context, threshold time.Duration) ([]report.Waiting, error) {
	if threshold < 0 {
		return nil, model.NewInvalidArgument("threshold must not be negative")
	}
	histories, err := s.Histories(ctx)
	if err != nil {
		return nil, err
	}
	return report.Bottleneck(histories, s.clock.Now().UTC(), threshold), nil
}

// ExportOptions select what Export archives.
type ExportOptions struct {
	Period report.Period
	// Codes limits the export to these work items; empty means all.
	Codes []string
	// Artifacts adds every evidence artifact as evidence/<id>.
	Artifacts bool
}

// Export writes a zip of the shift report, the per-item summary and the
// evidence index, with a manifest of SHA-256 digests. Corrupt histories and
// unreadable artifacts are listed as manifest warnings.
func (s *Service) Export(ctx context.Context, w io.Writer, opts ExportOptions) (report.Manifest, error) {
	histories, err := s.Histories(ctx)
	if err != nil {
		return report.Manifest{}, err
	}
	if len(opts.Codes) > 0 {
		selected := make(map[string][]model.WorkEvent, len(opts.Codes))
		for _, raw := range opts.Codes {
			code, err := model.NormalizeCode(raw)
			if err != nil {
				return report.Manifest{}, err
			}
			events, ok := histories[code]
			if !ok {
				return report.Manifest{}, model.NewNotFound("work item %s", code)
			}
			selected[code] = events
		}
		histories = selected
	}
	now := s.clock.Now().UTC()

	var warnings []string
	codes := make([]string, 0, len(histories))
	for code := range histories {
		codes = append(codes, code)
	}
	slices.Sort(codes)

	var items []model.EvidenceItem
	for _, code := range codes {
		list, err := s.evidence.List(ctx, code)
		if err != nil {
			return report.Manifest{}, fmt.Errorf("list evidence for %s: %w", code, err)
		}
		items = append(items, list...)
	}

	var summary bytes.Buffer
	for _, code := range codes {
		if state := projector.Project(code, histories[code]); state.Corrupt() {
			a := state.Anomalies[0]
			warnings = append(warnings, fmt.Sprintf("%s: corrupt history at seq %d: %s", code, a.Seq, a.Detail))
		}
	}
	if err := report.WriteCSV(&summary, report.Summary(histories)); err != nil {
		return report.Manifest{}, fmt.Errorf("write summary: %w", err)
	}
	var index bytes.Buffer
	if err := report.WriteEvidenceCSV(&index, items); err != nil {
		return report.Manifest{}, fmt.Errorf("write evidence index: %w", err)
	}
	shift, err := json.MarshalIndent(map[string]any{
		"shift":        report.Shift(histories, opts.Period),
		"fail_reasons": report.FailReasons(histories, opts.Period),
		"kpis":         report.ComputeKPIs(histories, now),
	}, "", "  ")
	if err != nil {
		return report.Manifest{}, fmt.Errorf("encode shift report: %w", err)
	}

	files := []report.File{
		{Name: "summary.csv", Data: summary.Bytes()},
		{Name: "evidence.csv", Data: index.Bytes()},
		{Name: "shift.json", Data: shift},
	}
	if opts.Artifacts {
		for _, it := range items {
			data, err := s.readArtifact(ctx, it)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("evidence %s: %v", it.ID, err))
				continue
			}
			files = append(files, report.File{Name: "evidence/" + it.ID, Data: data})
		}
	}

	m, err := report.WriteZip(w, now, opts.Period, files, warnings)
	if err != nil {
		return report.Manifest{}, err
	}
	s.logger.Info("report exported",
		"work_items", len(histories),
		"files", len(m.Files),
		"warnings", len(m.Warnings),
	)
	return m, nil
}

func (s *Service) readArtifact(ctx context.Context, it model.EvidenceItem) ([]byte, error) {
	rc, err := s.evidence.Open(ctx, it)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	sum := blake2b.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != it.ArtifactDigest {
		return nil, fmt.Errorf("artifact digest %s does not match %s", got, it.ArtifactDigest)
	}
	return data, nil
}
