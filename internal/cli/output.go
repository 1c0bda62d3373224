package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/michaelxuuu/echobench/internal/filter"
	"github.com/michaelxuuu/echobench/internal/stresstest"
	"gopkg.in/yaml.v3"
)

var (
	colorGreen  = lipgloss.AdaptiveColor{Light: "#006400", Dark: "#00ff00"}
	colorRed    = lipgloss.AdaptiveColor{Light: "#8b0000", Dark: "#ff0000"}
	colorYellow = lipgloss.AdaptiveColor{Light: "#b8860b", Dark: "#ffff00"}
	colorGray   = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#888888"}
	colorCyan   = lipgloss.AdaptiveColor{Light: "#008b8b", Dark: "#00ffff"}

	styleHeader  = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	styleSuccess = lipgloss.NewStyle().Foreground(colorGreen)
	styleError   = lipgloss.NewStyle().Foreground(colorRed)
	styleWarning = lipgloss.NewStyle().Foreground(colorYellow)
	styleSubtle  = lipgloss.NewStyle().Foreground(colorGray)
)

// reportOutput is the structured form of a finished run
type reportOutput struct {
	RunUUID           string `json:"run_uuid,omitempty" yaml:"run_uuid,omitempty"`
	Address           string `json:"address" yaml:"address"`
	Mode              string `json:"mode" yaml:"mode"`
	Status            string `json:"status" yaml:"status"`
	stresstest.Report `yaml:",inline"`
}

// FormatReport formats a run report based on the output format
func FormatReport(report *stresstest.Report, run *stresstest.Run, unit *stresstest.RequestUnit, format string) (string, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(newReportOutput(report, run), "", "  ")
		if err != nil {
			return "", err
		}
		return string(data) + "\n", nil

	case "yaml":
		data, err := yaml.Marshal(newReportOutput(report, run))
		if err != nil {
			return "", err
		}
		return string(data), nil

	case "", "text":
		return formatReportText(report, run, unit), nil

	default:
		return "", fmt.Errorf("unsupported output format: %s (use text, json or yaml)", format)
	}
}

// WithQuery writes what render produces in format. With a query the output is
// rendered as json and only the part selected by the JMESPath expression is
// written.
func WithQuery(w io.Writer, format, query string, render func(w io.Writer, format string) error) error {
	if query == "" {
		return render(w, format)
	}
	if format != "" && format != "json" {
		return fmt.Errorf("query needs json output, got %s", format)
	}

	var buf bytes.Buffer
	if err := render(&buf, "json"); err != nil {
		return err
	}
	selected, err := filter.Apply(buf.Bytes(), query)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(selected))
	return err
}

func newReportOutput(report *stresstest.Report, run *stresstest.Run) reportOutput {
	return reportOutput{
		RunUUID: run.UUID,
		Address: run.Address,
		Mode:    run.Mode,
		Status:  run.Status,
		Report:  *report,
	}
}

func formatReportText(report *stresstest.Report, run *stresstest.Run, unit *stresstest.RequestUnit) string {
	var sb strings.Builder

	requestBytes := len(unit.Payload) + len(unit.Terminator)
	sb.WriteString(styleHeader.Render(fmt.Sprintf("Sent %d requests to %s", report.RequestCount, run.Address)))
	sb.WriteString(styleSubtle.Render(fmt.Sprintf(" (%s, %s each, expecting %s)", run.Mode, FormatSize(requestBytes), FormatSize(unit.ExpectedBytes))))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("Total time:        %.6f s\n", report.TotalTimeSeconds))
	sb.WriteString(fmt.Sprintf("Average latency:   %.6f s\n", report.AverageLatencySeconds))
	sb.WriteString(fmt.Sprintf("Requests/sec:      %.2f\n", report.RequestsPerSecond))
	sb.WriteString(fmt.Sprintf("Latency min/p50/p95/p99/max: %s / %s / %s / %s / %s\n",
		formatSeconds(report.MinLatencySeconds),
		formatSeconds(report.P50LatencySeconds),
		formatSeconds(report.P95LatencySeconds),
		formatSeconds(report.P99LatencySeconds),
		formatSeconds(report.MaxLatencySeconds)))
	sb.WriteString("\n")

	sb.WriteString(styleSuccess.Render(fmt.Sprintf("Complete:          %d (%.1f%%)", report.Complete, report.SuccessRate())) + "\n")
	sb.WriteString(countLine("Short reads:       %d", report.ShortRead) + "\n")
	sb.WriteString(countLine("Connection errors: %d", report.ConnectionError) + "\n")
	if unit.Verify {
		sb.WriteString(countLine("Mismatched:        %d", report.Mismatched) + "\n")
	}
	sb.WriteString(fmt.Sprintf("Bytes received:    %s\n", FormatSize(int(report.BytesReceived))))
	sb.WriteString(formatErrorBreakdown(report.Errors))

	if report.TimingPolicy == stresstest.TimingPolicyCompleteOnly {
		sb.WriteString(styleSubtle.Render("Latency and throughput count complete sessions only") + "\n")
	}
	if run.Status == "cancelled" {
		sb.WriteString(styleWarning.Render("Run was cancelled before every session finished") + "\n")
	}
	if run.ID > 0 {
		sb.WriteString(styleSubtle.Render(fmt.Sprintf("Run %d (%s)", run.ID, run.UUID)) + "\n")
	}

	return sb.String()
}

// formatErrorBreakdown lists failure categories, most frequent first
func formatErrorBreakdown(counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}

	categories := make([]string, 0, len(counts))
	for category := range counts {
		categories = append(categories, category)
	}
	sort.Slice(categories, func(i, j int) bool {
		if counts[categories[i]] != counts[categories[j]] {
			return counts[categories[i]] > counts[categories[j]]
		}
		return categories[i] < categories[j]
	})

	var sb strings.Builder
	sb.WriteString("Errors:\n")
	for _, category := range categories {
		sb.WriteString(styleError.Render(fmt.Sprintf("  %-24s %d", category, counts[category])) + "\n")
	}
	return sb.String()
}

func countLine(format string, n int) string {
	line := fmt.Sprintf(format, n)
	if n > 0 {
		return styleError.Render(line)
	}
	return line
}

// FormatSize formats byte size to human-readable string
func FormatSize(bytes int) string {
	if bytes < 1024 {
		return fmt.Sprintf("%dB", bytes)
	}
	if bytes < 1024*1024 {
		return fmt.Sprintf("%.2fKB", float64(bytes)/1024.0)
	}
	return fmt.Sprintf("%.2fMB", float64(bytes)/(1024.0*1024.0))
}

// formatSeconds formats a latency in seconds with a fitting unit
func formatSeconds(s float64) string {
	d := time.Duration(s * float64(time.Second))
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dus", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
