package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// ExportJSON writes the whole report as indented JSON.
func ExportJSON(r *Report, filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// ExportTimelineCSV writes one row per second of the run.
func ExportTimelineCSV(r *Report, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := WriteTimelineCSV(f, r.Timeline); err != nil {
		return err
	}
	return f.Close()
}

func WriteTimelineCSV(out io.Writer, points []Point) error {
	w := csv.NewWriter(out)

	header := []string{"second", "vus", "target", "msgs_sent", "msgs_received", "p95_ms", "error_rate"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, p := range points {
		record := []string{
			strconv.Itoa(p.Second),
			strconv.Itoa(p.VUs),
			strconv.Itoa(p.Target),
			strconv.FormatInt(p.MsgsSent, 10),
			strconv.FormatInt(p.MsgsReceived, 10),
			strconv.FormatFloat(p.P95Ms, 'f', 2, 64),
			strconv.FormatFloat(p.ErrorRate, 'f', 4, 64),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// Export writes <prefix>.json and <prefix>_timeline.csv and returns their paths.
func Export(r *Report, prefix string) ([]string, error) {
	jsonPath := prefix + ".json"
	csvPath := prefix + "_timeline.csv"
	if err := ExportJSON(r, jsonPath); err != nil {
		return nil, fmt.Errorf("export json: %w", err)
	}
	if err := ExportTimelineCSV(r, csvPath); err != nil {
		return nil, fmt.Errorf("export timeline: %w", err)
	}
	return []string{jsonPath, csvPath}, nil
}

const rule = "======================================================================"

// Print writes the end-of-run summary.
func Print(w io.Writer, r *Report) {
	fmt.Fprintf(w, "\n\n📊 LOAD TEST RESULTS\n")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Run ID         : %s\n", r.ID)
	fmt.Fprintf(w, "Status         : %s\n", strings.ToUpper(string(r.Status)))
	if r.AbortReason != "" {
		fmt.Fprintf(w, "Reason         : %s\n", r.AbortReason)
	}
	fmt.Fprintf(w, "Total Duration : %s\n", r.Duration.Round(time.Second))
	fmt.Fprintf(w, "Peak VUs       : %d\n", r.PeakVUs)

	fmt.Fprintf(w, "\n📈 METRICS\n")
	for _, name := range r.MetricNames() {
		fmt.Fprintf(w, "   %-20s %s\n", name, formatSummary(r.Metrics[name]))
	}

	if len(r.Thresholds) > 0 {
		fmt.Fprintf(w, "\n🎯 THRESHOLDS\n")
		for _, t := range r.Thresholds {
			mark := "✅"
			if !t.Passed {
				mark = "❌"
			}
			note := ""
			switch {
			case !t.Evaluated:
				note = " (no samples)"
			case t.AbortOnFail:
				note = fmt.Sprintf(" observed=%.4g abortOnFail", t.Observed)
			default:
				note = fmt.Sprintf(" observed=%.4g", t.Observed)
			}
			fmt.Fprintf(w, "   %s %s %s%s\n", mark, t.Metric, t.Expression, note)
		}
	}
	fmt.Fprintln(w, rule)
}

// summary keys in print order; trends first, then rates, counters and gauges
var summaryKeys = []string{"avg", "min", "med", "max", "p(90)", "p(95)", "p(99)", "rate", "passes", "fails", "count", "value"}

func formatSummary(sum map[string]float64) string {
	parts := make([]string, 0, len(sum))
	seen := make(map[string]bool, len(sum))
	for _, k := range summaryKeys {
		v, ok := sum[k]
		if !ok {
			continue
		}
		seen[k] = true
		parts = append(parts, k+"="+formatValue(k, v))
	}
	for k, v := range sum {
		if !seen[k] {
			parts = append(parts, k+"="+formatValue(k, v))
		}
	}
	return strings.Join(parts, " ")
}

func formatValue(key string, v float64) string {
	switch key {
	case "count", "passes", "fails":
		return strconv.FormatFloat(v, 'f', 0, 64)
	case "rate":
		return strconv.FormatFloat(v, 'f', 4, 64)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
