package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/ssprotocol/amm-valuator/internal/claim"
	"github.com/ssprotocol/amm-valuator/internal/refresh"
	"github.com/ssprotocol/amm-valuator/internal/token"
	"go.uber.org/zap"
)

// Format represents the export file format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ErrNothingToExport is returned before the first valuation lands.
var ErrNothingToExport = errors.New("no valuation to export yet")

// Options configures the export behavior
type Options struct {
	Format    Format
	OutputDir string
	// Unit labels the total, e.g. "PLS".
	Unit string
}

// TokenValue is one row of the breakdown.
type TokenValue struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Unpriced bool   `json:"unpriced,omitempty"`
}

// ClaimSummary is the required-value gate at export time.
type ClaimSummary struct {
	Estimated       string `json:"estimated"`
	Required        string `json:"required"`
	Percent         int64  `json:"percent"`
	Meets           bool   `json:"meets"`
	EstimatedSource string `json:"estimated_source"`
	RequiredSource  string `json:"required_source"`
}

// Report is a point-in-time copy of what the dashboard shows.
type Report struct {
	GeneratedAt      time.Time    `json:"generated_at"`
	ValuedAt         time.Time    `json:"valued_at"`
	Source           string       `json:"source"`
	Tokens           []TokenValue `json:"tokens"`
	Total            string       `json:"total"`
	TotalUnavailable bool         `json:"total_unavailable,omitempty"`
	Unit             string       `json:"unit,omitempty"`
	Claim            ClaimSummary `json:"claim"`
}

// BuildReport orders the breakdown like the registry. Values for names the
// registry does not list follow in alphabetical order.
func BuildReport(snap refresh.Snapshot, a claim.Assessment, tokens []token.Descriptor, at time.Time) Report {
	v := snap.Valuation
	unpriced := make(map[string]bool, len(v.Unpriced))
	for _, name := range v.Unpriced {
		unpriced[name] = true
	}

	seen := make(map[string]bool, len(v.Values))
	rows := make([]TokenValue, 0, len(v.Values))
	for _, t := range tokens {
		value, ok := v.Values[t.Name]
		if !ok {
			continue
		}
		seen[t.Name] = true
		rows = append(rows, TokenValue{Name: t.Name, Value: value, Unpriced: unpriced[t.Name]})
	}

	var extra []string
	for name := range v.Values {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		rows = append(rows, TokenValue{Name: name, Value: v.Values[name], Unpriced: unpriced[name]})
	}

	valuedAt := snap.LastSuccess
	if valuedAt.IsZero() {
		valuedAt = v.Timestamp
	}

	return Report{
		GeneratedAt:      at,
		ValuedAt:         valuedAt,
		Source:           string(snap.Source),
		Tokens:           rows,
		Total:            v.TotalSum,
		TotalUnavailable: v.TotalUnavailable,
		Claim: ClaimSummary{
			Estimated:       a.Estimated.StringFixed(2),
			Required:        a.Required.StringFixed(2),
			Percent:         a.Percent,
			Meets:           a.Meets,
			EstimatedSource: a.EstimatedSource,
			RequiredSource:  a.RequiredSource,
		},
	}
}

// Exporter writes valuation reports to disk
type Exporter struct {
	logger *zap.Logger
}

// NewExporter creates a new exporter
func NewExporter(logger *zap.Logger) *Exporter {
	return &Exporter{
		logger: logger.Named("export"),
	}
}

// Export writes r in the requested format and returns the file path
func (e *Exporter) Export(r Report, options Options) (string, error) {
	if len(r.Tokens) == 0 && r.Total == "" {
		return "", ErrNothingToExport
	}
	r.Unit = options.Unit

	outputPath := filepath.Join(options.OutputDir, generateFilename(r.GeneratedAt, options.Format))
	if err := os.MkdirAll(options.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	var err error
	switch options.Format {
	case FormatCSV:
		err = exportToCSV(r, outputPath)
	case FormatJSON:
		err = exportToJSON(r, outputPath)
	default:
		err = fmt.Errorf("unsupported format: %s", options.Format)
	}
	if err != nil {
		return "", err
	}

	e.logger.Info("Valuation exported",
		zap.String("file", outputPath),
		zap.Int("tokens", len(r.Tokens)),
		zap.String("format", string(options.Format)))

	return outputPath, nil
}

func generateFilename(at time.Time, format Format) string {
	return fmt.Sprintf("valuation_%s.%s", at.Format("20060102_150405"), format)
}

// CSVHeaders returns the column names of the CSV export
func CSVHeaders() []string {
	return []string{"name", "value", "note"}
}

// exportToCSV writes token rows, then the total and the claim gate as
// named rows in the same three columns.
func exportToCSV(r Report, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	records := [][]string{CSVHeaders()}
	for _, t := range r.Tokens {
		note := ""
		if t.Unpriced {
			note = "unpriced"
		}
		records = append(records, []string{t.Name, t.Value, note})
	}

	totalNote := r.Unit
	if r.TotalUnavailable {
		totalNote = "unavailable"
	}
	gate := "short"
	if r.Claim.Meets {
		gate = "meets"
	}
	records = append(records,
		[]string{"total", r.Total, totalNote},
		[]string{"claim_estimated", r.Claim.Estimated, r.Claim.EstimatedSource},
		[]string{"claim_required", r.Claim.Required, r.Claim.RequiredSource},
		[]string{"claim_percent", strconv.FormatInt(r.Claim.Percent, 10), gate},
	)

	if err := writer.WriteAll(records); err != nil {
		return fmt.Errorf("failed to write CSV: %w", err)
	}
	return nil
}

func exportToJSON(r Report, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create JSON file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
