package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/michaelxuuu/echobench/internal/stresstest"
)

const (
	pollInterval = 100 * time.Millisecond
	barWidth     = 40
)

// ProgressSource is the part of the executor the progress view polls
type ProgressSource interface {
	GetStats() *stresstest.Stats
	IsExecutionComplete() bool
	Stop()
}

type progressTickMsg struct{}

type progressDoneMsg struct{}

// ProgressModel shows live counters for a running load test
type ProgressModel struct {
	source   ProgressSource
	title    string
	spinner  spinner.Model
	stats    *stresstest.Stats
	width    int
	stopping bool
	done     bool
}

// NewProgressModel creates a progress view polling source
func NewProgressModel(source ProgressSource, title string) ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styleTitle

	return ProgressModel{
		source:  source,
		title:   title,
		spinner: s,
		stats:   source.GetStats(),
		width:   80,
	}
}

// Init starts the spinner and the first poll
func (m ProgressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

// poll schedules the next snapshot of the executor
func (m ProgressModel) poll() tea.Cmd {
	source := m.source
	return tea.Tick(pollInterval, func(time.Time) tea.Msg {
		if source.IsExecutionComplete() {
			return progressDoneMsg{}
		}
		return progressTickMsg{}
	})
}

// Update handles key presses, resizes and poll results
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if !m.stopping {
				m.stopping = true
				m.source.Stop()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case progressTickMsg:
		m.stats = m.source.GetStats()
		return m, m.poll()

	case progressDoneMsg:
		m.stats = m.source.GetStats()
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress box
func (m ProgressModel) View() string {
	stats := m.stats
	if stats == nil {
		stats = &stresstest.Stats{}
	}

	var content strings.Builder

	title := m.title
	switch {
	case m.done:
		title += " - Done"
	case m.stopping:
		title += " - Stopping"
	default:
		title = m.spinner.View() + " " + title
	}
	content.WriteString(styleTitle.Render(title) + "\n\n")

	progress := stats.Progress()
	content.WriteString(fmt.Sprintf("%d/%d sessions (%.1f%%)\n", stats.Completed, stats.TotalRequests, progress))
	content.WriteString(renderBar(progress) + "\n")
	content.WriteString(fmt.Sprintf("Elapsed: %s | Active: %d\n\n", formatDuration(stats.Elapsed), stats.ActiveSessions))

	content.WriteString(styleSuccess.Render(fmt.Sprintf("Complete:          %d", stats.Complete)) + "\n")
	failed := fmt.Sprintf("Short reads:       %d\nConnection errors: %d", stats.ShortRead, stats.ConnectionError)
	if stats.Failed() > 0 {
		content.WriteString(styleError.Render(failed) + "\n")
	} else {
		content.WriteString(failed + "\n")
	}
	content.WriteString(fmt.Sprintf("Bytes received:    %d\n", stats.BytesReceived))

	rps := 0.0
	if stats.Elapsed.Seconds() > 0 {
		rps = float64(stats.Completed) / stats.Elapsed.Seconds()
	}
	content.WriteString(fmt.Sprintf("Sessions/sec:      %.2f\n\n", rps))

	footer := "q/esc: Stop test"
	if m.stopping && !m.done {
		footer = styleWarning.Render(fmt.Sprintf("Waiting for %d active sessions to unblock...", stats.ActiveSessions))
	} else {
		footer = styleSubtle.Render(footer)
	}
	content.WriteString(footer)

	boxWidth := m.width - 4
	if boxWidth > 70 {
		boxWidth = 70
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorCyan).
		Padding(0, 1).
		Width(boxWidth).
		Render(content.String()) + "\n"
}

func renderBar(progress float64) string {
	filled := int(progress / 100.0 * float64(barWidth))
	if filled > barWidth {
		filled = barWidth
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

// RunProgress shows the progress view on out until every session has
// finished. Keys are read from in.
func RunProgress(source ProgressSource, title string, in io.Reader, out io.Writer) error {
	p := tea.NewProgram(NewProgressModel(source, title), tea.WithInput(in), tea.WithOutput(out))
	_, err := p.Run()
	return err
}
