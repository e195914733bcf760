package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
)

// keyMap holds every binding the TUI reacts to.
type keyMap struct {
	Quit      key.Binding
	NextPane  key.Binding
	PrevPane  key.Binding
	TasksPane key.Binding
	RunPane   key.Binding
	Up        key.Binding
	Down      key.Binding
}

var keys = keyMap{
	Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	NextPane:  key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "cycle focus")),
	PrevPane:  key.NewBinding(key.WithKeys("shift+tab")),
	TasksPane: key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2", "jump to pane")),
	RunPane:   key.NewBinding(key.WithKeys("2")),
	Up:        key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("j/k", "select task")),
	Down:      key.NewBinding(key.WithKeys("j", "down")),
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.NextPane, k.TasksPane, k.Up, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// HelpView renders the help bar. Until the run is done, quitting also
// cancels it, and the bar says so.
func HelpView(done bool) string {
	h := help.New()
	h.ShortSeparator = " | "
	k := keys
	if !done {
		k.Quit.SetHelp("q", "quit (cancels the run)")
	}
	return h.View(k)
}
