package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentcrew/internal/events"
)

// maxRoundNotes bounds the crew history kept on screen.
const maxRoundNotes = 8

// ProgressPaneModel shows store counts, the crew round history and the
// final outcome.
type ProgressPaneModel struct {
	progress events.StoreProgressEvent
	round    int
	notes    []string
	done     *DoneMsg
	width    int
	height   int
	focused  bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles store, crew and completion messages.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.StoreProgressEvent:
		m.progress = msg

	case events.CrewRoundEvent:
		m.round = msg.Round
		note := fmt.Sprintf("round %d %s", msg.Round, msg.Role)
		if msg.Note != "" {
			note += ": " + msg.Note
		}
		m.notes = append(m.notes, note)
		if len(m.notes) > maxRoundNotes {
			m.notes = m.notes[len(m.notes)-maxRoundNotes:]
		}

	case DoneMsg:
		m.done = &msg
	}
	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := titleStyle.Render(fmt.Sprintf("Progress (round %d)", m.round))
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	p := m.progress
	fmt.Fprintf(&b, "Total:       %d\n", p.Total)
	fmt.Fprintf(&b, "Completed:   %s\n", statusStyle("completed").Render(fmt.Sprint(p.Completed)))
	fmt.Fprintf(&b, "In progress: %s\n", statusStyle("running").Render(fmt.Sprint(p.InProgress)))
	fmt.Fprintf(&b, "Failed:      %s\n", statusStyle("failed").Render(fmt.Sprint(p.Failed)))
	fmt.Fprintf(&b, "Pending:     %s\n\n", statusStyle("pending").Render(fmt.Sprint(p.Pending)))

	if p.Total > 0 {
		barWidth := min(m.width-12, 40)
		done := p.Completed * barWidth / p.Total
		failed := p.Failed * barWidth / p.Total
		running := p.InProgress * barWidth / p.Total
		rest := max(barWidth-done-failed-running, 0)

		bar := statusStyle("completed").Render(strings.Repeat("=", done)) +
			statusStyle("failed").Render(strings.Repeat("!", failed)) +
			statusStyle("running").Render(strings.Repeat("-", running)) +
			statusStyle("pending").Render(strings.Repeat(".", rest))
		fmt.Fprintf(&b, "[%s] %d/%d\n\n", bar, p.Completed, p.Total)
	}

	for _, note := range m.notes {
		b.WriteString(noteStyle.Render(note))
		b.WriteString("\n")
	}

	if m.done != nil {
		b.WriteString("\n")
		if m.done.Err != nil {
			b.WriteString(statusStyle("failed").Render("Run failed: " + m.done.Err.Error()))
		} else {
			b.WriteString(statusStyle("completed").Render("Run finished"))
			if m.done.Summary != "" {
				b.WriteString("\n" + m.done.Summary)
			}
		}
	}

	return paneStyle(m.focused).Width(m.width - 2).Height(m.height - 2).Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
