package report

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/roach88/floorlog/internal/model"
)

// ManifestVersion is the layout version written to manifest.json.
const ManifestVersion = 1

// ManifestName is the archive entry holding the manifest.
const ManifestName = "manifest.json"

// EvidenceHeader is the evidence index CSV header.
var EvidenceHeader = []string{
	"evidence_id",
	"work_item_code",
	"kind",
	"tags",
	"captured_at",
	"captured_by",
	"artifact_digest",
	"size_bytes",
}

// WriteEvidenceCSV writes EvidenceHeader followed by one row per item,
// sorted by work item code, capture time and id.
func WriteEvidenceCSV(w io.Writer, items []model.EvidenceItem) error {
	sorted := slices.Clone(items)
	slices.SortFunc(sorted, func(a, b model.EvidenceItem) int {
		if c := strings.Compare(a.WorkItemCode, b.WorkItemCode); c != 0 {
			return c
		}
		if c := a.CapturedAt.Compare(b.CapturedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	cw := csv.NewWriter(w)
	if err := cw.Write(EvidenceHeader); err != nil {
		return err
	}
	for _, it := range sorted {
		record := []string{
			it.ID,
			it.WorkItemCode,
			string(it.Kind),
			strings.Join(it.Tags, ";"),
			formatTime(it.CapturedAt),
			it.CapturedBy,
			it.ArtifactDigest,
			strconv.FormatInt(it.SizeBytes, 10),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// File is one named entry of an export archive.
type File struct {
	Name string
	Data []byte
}

// ManifestFile describes one archived file.
type ManifestFile struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// Manifest lists every file of an export with its size and digest.
type Manifest struct {
	Version     int            `json:"manifest_version"`
	GeneratedAt time.Time      `json:"generated_at"`
	From        time.Time      `json:"period_from,omitzero"`
	To          time.Time      `json:"period_to,omitzero"`
	Files       []ManifestFile `json:"files"`
	Warnings    []string       `json:"warnings"`
}

// BuildManifest hashes files and lists them sorted by name. Names must be
// unique, non-empty and must not collide with ManifestName.
func BuildManifest(generatedAt time.Time, period Period, files []File, warnings []string) (Manifest, error) {
	m := Manifest{
		Version:     ManifestVersion,
		GeneratedAt: generatedAt.UTC(),
		From:        period.From.UTC(),
		To:          period.To.UTC(),
		Files:       make([]ManifestFile, 0, len(files)),
		Warnings:    append([]string{}, warnings...),
	}

	seen := map[string]bool{ManifestName: true}
	for _, f := range files {
		if f.Name == "" {
			return Manifest{}, model.NewInvalidArgument("export file name is empty")
		}
		if seen[f.Name] {
			return Manifest{}, model.NewInvalidArgument("duplicate export file %q", f.Name)
		}
		seen[f.Name] = true
		sum := sha256.Sum256(f.Data)
		m.Files = append(m.Files, ManifestFile{
			Name:      f.Name,
			SizeBytes: int64(len(f.Data)),
			SHA256:    hex.EncodeToString(sum[:]),
		})
	}
	slices.SortFunc(m.Files, func(a, b ManifestFile) int { return strings.Compare(a.Name, b.Name) })
	return m, nil
}

// WriteZip writes files and their manifest as a zip archive. Entries appear
// in name order with the manifest last.
func WriteZip(w io.Writer, generatedAt time.Time, period Period, files []File, warnings []string) (Manifest, error) {
	m, err := BuildManifest(generatedAt, period, files, warnings)
	if err != nil {
		return Manifest{}, err
	}
	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}

	sorted := slices.Clone(files)
	slices.SortFunc(sorted, func(a, b File) int { return strings.Compare(a.Name, b.Name) })
	sorted = append(sorted, File{Name: ManifestName, Data: manifest})

	zw := zip.NewWriter(w)
	for _, f := range sorted {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.Name,
			Method:   zip.Deflate,
			Modified: m.GeneratedAt,
		})
		if err != nil {
			return Manifest{}, fmt.Errorf("add %s: %w", f.Name, err)
		}
		if _, err := fw.Write(f.Data); err != nil {
			return Manifest{}, fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return Manifest{}, fmt.Errorf("finish archive: %w", err)
	}
	return m, nil
}
