package ui

import (
	"context"
	"esi/internal/styles"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
)

func InitialModel(deps Deps) Model {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	styles.Use(deps.Settings.DarkMode)

	ti := textarea.New()
	ti.Placeholder = "Ask a research question..."
	ti.Prompt = "❯ "
	ti.ShowLineNumbers = false
	ti.CharLimit = 0
	ti.MaxHeight = 6
	ti.SetHeight(2)
	ti.SetWidth(80)
	ti.FocusedStyle.Prompt = lipgloss.NewStyle().Foreground(styles.CurrentTheme.Primary).Bold(true)
	ti.BlurredStyle.Prompt = lipgloss.NewStyle().Foreground(styles.CurrentTheme.TextMuted)
	ti.FocusedStyle.Placeholder = lipgloss.NewStyle().Foreground(styles.HintColor)
	ti.BlurredStyle.Placeholder = lipgloss.NewStyle().Foreground(styles.HintColor)
	ti.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ti.BlurredStyle.CursorLine = lipgloss.NewStyle()
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(styles.CurrentTheme.Primary)

	ri := textinput.New()
	ri.Placeholder = "Chat title"
	ri.CharLimit = 120

	return Model{
		deps:        deps,
		TextInput:   ti,
		Viewport:    viewport.New(60, 15),
		Spinner:     sp,
		RenameInput: ri,
		Settings:    deps.Settings,
		Cursor:      -1,
		Editing:     -1,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.TextInput.Cursor.BlinkCmd(),
		m.Spinner.Tick,
		m.waitForEvent(),
		m.prefetchPhrases(),
	)
}

func (m *Model) prefetchPhrases() tea.Cmd {
	c := m.deps.Chat
	return func() tea.Msg {
		c.PrefetchPhrases(context.Background())
		return nil
	}
}

// buildRenderer recreates the glamour renderer for the current theme and
// width.
func (m *Model) buildRenderer(width int) {
	if width < 20 {
		width = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath(styles.CurrentTheme.Name),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		m.deps.Log.Warn("markdown renderer unavailable", zap.Error(err))
		m.Renderer = nil
		return
	}
	m.Renderer = r
}

func NewProgram(deps Deps) *tea.Program {
	m := InitialModel(deps)
	return tea.NewProgram(&m, tea.WithAltScreen())
}
