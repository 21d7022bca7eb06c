// Package eval measures retrieval quality against a golden query set and
// compares reports across runs.
package eval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/errs"
)

// GoldenQuery is one labelled query.
type GoldenQuery struct {
	ID            string   `json:"id"`
	Query         string   `json:"query"`
	ExpectedFiles []string `json:"expectedFiles"`
	Category      string   `json:"category,omitempty"`
	K             int      `json:"k,omitempty"`
}

// GoldenFile is the golden query set for one project.
type GoldenFile struct {
	ProjectName string        `json:"projectName"`
	Collection  string        `json:"collection,omitempty"`
	APIURL      string        `json:"apiUrl"`
	Queries     []GoldenQuery `json:"queries"`
}

// LoadGolden reads and validates a golden file.
func LoadGolden(path string) (*GoldenFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading golden file: %w", err)
	}
	var g GoldenFile
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("parsing golden file: %w", err)
	}
	if g.ProjectName == "" {
		return nil, errs.Validationf("golden file missing projectName")
	}
	if len(g.Queries) == 0 {
		return nil, errs.Validationf("golden file has no queries")
	}
	return &g, nil
}

// QueryResult is the metric set for one query.
type QueryResult struct {
	ID        string   `json:"id"`
	Query     string   `json:"query"`
	Category  string   `json:"category,omitempty"`
	K         int      `json:"k"`
	Recall    float64  `json:"recall"`
	Precision float64  `json:"precision"`
	MRR       float64  `json:"mrr"`
	LatencyMS float64  `json:"latencyMs"`
	TopFiles  []string `json:"topFiles"`
	Error     string   `json:"error,omitempty"`
}

// LatencyStats summarise per-query wall-clock times.
type LatencyStats struct {
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
}

// Report is the aggregate of one eval run.
type Report struct {
	ProjectName    string             `json:"projectName"`
	Mode           string             `json:"mode"`
	RunAt          time.Time          `json:"runAt"`
	QueryCount     int                `json:"queryCount"`
	MeanRecall     float64            `json:"meanRecall"`
	MeanPrecision  float64            `json:"meanPrecision"`
	MeanMRR        float64            `json:"meanMrr"`
	Latency        LatencyStats       `json:"latency"`
	CategoryRecall map[string]float64 `json:"categoryRecall,omitempty"`
	Queries        []QueryResult      `json:"queries"`
}

// Runner executes golden queries against a running API.
type Runner struct {
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewRunner creates an eval runner. client may be nil.
func NewRunner(client *http.Client, logger *zap.Logger) *Runner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{client: client, logger: logger.Named("eval"), now: time.Now}
}

type searchRequest struct {
	Query      string `json:"query"`
	Collection string `json:"collection,omitempty"`
	Limit      int    `json:"limit"`
}

type searchResponse struct {
	Results []struct {
		File string `json:"file"`
	} `json:"results"`
}

// Run executes every golden query through /api/search (or /api/search-hybrid
// when hybrid is set) and aggregates the metrics.
func (r *Runner) Run(ctx context.Context, golden *GoldenFile, hybrid bool) (*Report, error) {
	endpoint := strings.TrimRight(golden.APIURL, "/") + "/api/search"
	mode := "search"
	if hybrid {
		endpoint = strings.TrimRight(golden.APIURL, "/") + "/api/search-hybrid"
		mode = "search-hybrid"
	}

	report := &Report{
		ProjectName:    golden.ProjectName,
		Mode:           mode,
		RunAt:          r.now().UTC(),
		QueryCount:     len(golden.Queries),
		CategoryRecall: map[string]float64{},
	}

	categoryTotals := map[string][]float64{}
	var latencies []float64

	for _, q := range golden.Queries {
		k := q.K
		if k <= 0 {
			k = 10
		}
		qr := QueryResult{ID: q.ID, Query: q.Query, Category: q.Category, K: k}

		start := r.now()
		files, err := r.search(ctx, endpoint, golden, q.Query, k)
		qr.LatencyMS = float64(r.now().Sub(start)) / float64(time.Millisecond)

		if err != nil {
			qr.Error = err.Error()
			r.logger.Warn("golden query failed", zap.String("id", q.ID), zap.Error(err))
		} else {
			qr.TopFiles = files
			qr.Recall = recallAtK(q.ExpectedFiles, files)
			qr.Precision = precisionAtK(q.ExpectedFiles, files, k)
			qr.MRR = mrrAtK(q.ExpectedFiles, files)
		}

		report.Queries = append(report.Queries, qr)
		report.MeanRecall += qr.Recall
		report.MeanPrecision += qr.Precision
		report.MeanMRR += qr.MRR
		latencies = append(latencies, qr.LatencyMS)
		if q.Category != "" {
			categoryTotals[q.Category] = append(categoryTotals[q.Category], qr.Recall)
		}
	}

	n := float64(len(golden.Queries))
	report.MeanRecall /= n
	report.MeanPrecision /= n
	report.MeanMRR /= n
	report.Latency = latencyStats(latencies)
	for category, recalls := range categoryTotals {
		report.CategoryRecall[category] = mean(recalls)
	}
	return report, nil
}

func (r *Runner) search(ctx context.Context, endpoint string, golden *GoldenFile, query string, k int) ([]string, error) {
	body, err := json.Marshal(searchRequest{Query: query, Collection: golden.Collection, Limit: k})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Project-Name", golden.ProjectName)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	files := make([]string, 0, len(out.Results))
	for _, res := range out.Results {
		files = append(files, res.File)
	}
	return files, nil
}

// fileMatches accepts a suffix match in either direction, so golden files
// can name paths at whatever depth the index stores them.
func fileMatches(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return expected == got ||
		strings.HasSuffix(got, expected) ||
		strings.HasSuffix(expected, got)
}

func isRelevant(expected []string, file string) bool {
	for _, e := range expected {
		if fileMatches(e, file) {
			return true
		}
	}
	return false
}

// recallAtK is the fraction of expected files present in the top k.
func recallAtK(expected, got []string) float64 {
	if len(expected) == 0 {
		return 0
	}
	found := 0
	for _, e := range expected {
		for _, f := range got {
			if fileMatches(e, f) {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(expected))
}

// precisionAtK is the fraction of the top k that is relevant.
func precisionAtK(expected, got []string, k int) float64 {
	if k <= 0 {
		return 0
	}
	relevant := 0
	for _, f := range got {
		if isRelevant(expected, f) {
			relevant++
		}
	}
	return float64(relevant) / float64(k)
}

// mrrAtK is the reciprocal rank of the first relevant result.
func mrrAtK(expected, got []string) float64 {
	for i, f := range got {
		if isRelevant(expected, f) {
			return 1 / float64(i+1)
		}
	}
	return 0
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func latencyStats(latencies []float64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}
	sorted := append([]float64{}, latencies...)
	sort.Float64s(sorted)
	return LatencyStats{
		Mean: mean(sorted),
		P50:  percentile(sorted, 0.50),
		P95:  percentile(sorted, 0.95),
		P99:  percentile(sorted, 0.99),
	}
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// WriteReport saves a report as indented JSON.
func WriteReport(report *Report, path string) error {
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// LoadReport reads a previously written report.
func LoadReport(path string) (*Report, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("parsing report %s: %w", path, err)
	}
	return &report, nil
}

// significantDelta is the recall change treated as a real movement rather
// than noise.
const significantDelta = 0.01

// Comparison summarises the movement between two reports.
type Comparison struct {
	DeltaRecall     float64  `json:"deltaRecall"`
	DeltaPrecision  float64  `json:"deltaPrecision"`
	DeltaMRR        float64  `json:"deltaMrr"`
	DeltaLatencyP50 float64  `json:"deltaLatencyP50"`
	Improved        []string `json:"improved"`
	Degraded        []string `json:"degraded"`
}

// Compare diffs two reports query by query.
func Compare(before, after *Report) *Comparison {
	cmp := &Comparison{
		DeltaRecall:     after.MeanRecall - before.MeanRecall,
		DeltaPrecision:  after.MeanPrecision - before.MeanPrecision,
		DeltaMRR:        after.MeanMRR - before.MeanMRR,
		DeltaLatencyP50: after.Latency.P50 - before.Latency.P50,
		Improved:        []string{},
		Degraded:        []string{},
	}

	beforeByID := make(map[string]QueryResult, len(before.Queries))
	for _, q := range before.Queries {
		beforeByID[q.ID] = q
	}
	for _, q := range after.Queries {
		prev, ok := beforeByID[q.ID]
		if !ok {
			continue
		}
		delta := q.Recall - prev.Recall
		switch {
		case delta > significantDelta:
			cmp.Improved = append(cmp.Improved, q.ID)
		case delta < -significantDelta:
			cmp.Degraded = append(cmp.Degraded, q.ID)
		}
	}
	sort.Strings(cmp.Improved)
	sort.Strings(cmp.Degraded)
	return cmp
}
