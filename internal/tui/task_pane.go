package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentcrew/internal/events"
)

const listWidth = 28

// TaskView is what the task pane knows about one task.
type TaskView struct {
	TaskID     string
	Name       string
	AgentRole  string
	Status     string // running, completed or failed
	Iterations int
	Log        []string
	StartTime  time.Time
	Duration   time.Duration
}

// TaskPaneModel lists claimed tasks and shows the reasoning log of the
// selected one.
type TaskPaneModel struct {
	tasks       map[string]*TaskView
	order       []string
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskView),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg debounces viewport refreshes while a task is streaming.
type tickMsg struct {
	tag int
}

// Update handles task and loop events plus navigation keys.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.refresh()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.refresh()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		tv, ok := m.tasks[msg.ID]
		if !ok {
			tv = &TaskView{TaskID: msg.ID}
			m.tasks[msg.ID] = tv
			m.order = append(m.order, msg.ID)
		}
		// A retried task is claimed again in a later round.
		tv.Name = msg.Name
		tv.AgentRole = msg.AgentRole
		tv.Status = "running"
		tv.StartTime = msg.Timestamp
		tv.Log = append(tv.Log, fmt.Sprintf("[%s claimed by %s]", msg.ID, msg.AgentRole))
		if len(m.order) == 1 {
			m.selectedIdx = 0
		}
		m.touch(msg.ID)

	case events.TaskOutputEvent:
		cmd = m.appendLine(msg.ID, msg.Line)

	case events.LoopStepEvent:
		line := fmt.Sprintf("#%d %s: %s", msg.Iteration, msg.Phase, msg.Thought)
		if msg.Action != "" {
			line += " -> " + msg.Action
		}
		if msg.FinalAnswer != "" {
			line += " => " + msg.FinalAnswer
		}
		if tv, ok := m.tasks[msg.ID]; ok {
			tv.Iterations = msg.Iteration
		}
		cmd = m.appendLine(msg.ID, line)

	case events.ToolInvokedEvent:
		line := fmt.Sprintf("   tool %s ok", msg.Tool)
		if !msg.OK {
			line = fmt.Sprintf("   tool %s failed (%s)", msg.Tool, msg.ErrorKind)
		}
		cmd = m.appendLine(msg.ID, line)

	case events.CorrectionEvent:
		cmd = m.appendLine(msg.ID, statusStyle("failed").Render("   correction: ")+msg.Reason)

	case events.RepetitionDetectedEvent:
		cmd = m.appendLine(msg.ID, statusStyle("failed").Render(fmt.Sprintf("   repeated step x%d", msg.Repeats)))

	case events.TaskCompletedEvent:
		if tv, ok := m.tasks[msg.ID]; ok {
			tv.Status = "completed"
			tv.Duration = msg.Duration
			tv.Iterations = msg.Iterations
			tv.Log = append(tv.Log, fmt.Sprintf("[completed in %v after %d iterations]", msg.Duration.Round(time.Millisecond), msg.Iterations))
			m.touch(msg.ID)
		}

	case events.TaskFailedEvent:
		if tv, ok := m.tasks[msg.ID]; ok {
			tv.Status = "failed"
			tv.Duration = msg.Duration
			tv.Iterations = msg.Iterations
			tv.Log = append(tv.Log, fmt.Sprintf("[failed: %s]", msg.Reason))
			m.touch(msg.ID)
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.refresh()
		}
	}

	return m, cmd
}

// appendLine adds a log line and schedules a debounced refresh when the task
// is on screen. Lines for unknown tasks are dropped.
func (m *TaskPaneModel) appendLine(taskID, line string) tea.Cmd {
	tv, ok := m.tasks[taskID]
	if !ok {
		return nil
	}
	tv.Log = append(tv.Log, line)
	if m.selectedTaskID() != taskID {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

func (m *TaskPaneModel) touch(taskID string) {
	if m.selectedTaskID() == taskID {
		m.refresh()
	}
}

// View renders the task list next to the selected task's log.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(m.width-listWidth-4).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	return paneStyle(m.focused).Width(m.width - 2).Height(m.height - 2).Render(content)
}

func (m TaskPaneModel) renderList() string {
	var b strings.Builder

	title := titleStyle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(statusStyle("pending").Render("Waiting..."))
	}
	for i, id := range m.order {
		tv := m.tasks[id]
		label := id + " " + tv.AgentRole
		if len(label) > listWidth-4 {
			label = label[:listWidth-7] + "..."
		}
		line := StatusIcon(tv.Status) + " " + label
		if i == m.selectedIdx {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().Width(listWidth).Height(m.height - 2).Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	look, ok := statusLooks[status]
	if !ok {
		look = statusLooks["pending"]
	}
	return look.style.Render(look.icon)
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Selected returns the task under the cursor.
func (m TaskPaneModel) Selected() (TaskView, bool) {
	tv, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		return TaskView{}, false
	}
	return *tv, true
}

func (m *TaskPaneModel) refresh() {
	tv, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	header := titleStyle.Render(tv.Name) + "\n"
	m.viewport.SetContent(header + strings.Join(tv.Log, "\n"))
	m.viewport.GotoBottom()
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
