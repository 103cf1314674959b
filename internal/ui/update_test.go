package ui

import (
	"context"
	"esi/internal/backend"
	"esi/internal/chat"
	"esi/internal/config"
	"esi/internal/models"
	"esi/internal/store"
	"esi/internal/syncer"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const answer = "**Paris** is the capital.\n\n```python\nprint('paris')\n```"

type echoBackend struct{}

func (echoBackend) Complete(context.Context, backend.Request) (string, error) {
	return answer, nil
}

func (echoBackend) Stream(context.Context, backend.Request) (<-chan backend.Event, error) {
	ch := make(chan backend.Event, 2)
	ch <- backend.Event{Type: backend.EventDelta, Text: answer}
	ch <- backend.Event{Type: backend.EventDone}
	close(ch)
	return ch, nil
}

func newTestModel(t *testing.T) *Model {
	t.Helper()
	log := zaptest.NewLogger(t)
	st := store.New()
	sy := syncer.New(nil, st, log)
	t.Cleanup(sy.Close)

	settings := config.DefaultSettings()
	settings.Stream = false
	c := chat.New(st, echoBackend{}, chat.WithSyncer(sy), chat.WithLogger(log), chat.WithStreaming(false))

	m := InitialModel(Deps{
		Chat:         c,
		Store:        st,
		Sync:         sy,
		Settings:     settings,
		SettingsPath: filepath.Join(t.TempDir(), "settings.toml"),
		Log:          log,
	})
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return &m
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight}
	case "ctrl+o":
		return tea.KeyMsg{Type: tea.KeyCtrlO}
	case "ctrl+n":
		return tea.KeyMsg{Type: tea.KeyCtrlN}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// send runs a full send through the controller and feeds the result back.
func send(t *testing.T, m *Model, text string) {
	t.Helper()
	msg := m.sendCmd(text, nil)()
	done, ok := msg.(GenerationDoneMsg)
	require.True(t, ok)
	require.NoError(t, done.Err)
	m.Update(done)
}

func TestParseCommand(t *testing.T) {
	name, args, ok := parseCommand("/login ada@example.com s3cret")
	assert.True(t, ok)
	assert.Equal(t, "/login", name)
	assert.Equal(t, []string{"ada@example.com", "s3cret"}, args)

	_, _, ok = parseCommand("/etc/hosts is a file")
	assert.False(t, ok)
	_, _, ok = parseCommand("what is /login?")
	assert.False(t, ok)
}

func TestVisibleSessions(t *testing.T) {
	all := make([]models.Session, 8)
	assert.Len(t, visibleSessions(all, false), SidebarPreviewCount)
	assert.Len(t, visibleSessions(all, true), 8)
	assert.Len(t, visibleSessions(all[:3], false), 3)
}

func TestAdjustSetting(t *testing.T) {
	s := config.DefaultSettings()

	s = adjustSetting(s, settingVerbosity, 5)
	assert.Equal(t, 5, s.Verbosity)

	s = adjustSetting(s, settingTemperature, -3)
	assert.InDelta(t, 0.7, s.Temperature, 1e-9)

	s = adjustSetting(s, settingStream, 1)
	assert.False(t, s.Stream)

	assert.Equal(t, "", s.Model)
	s = adjustSetting(s, settingModel, 1)
	assert.Equal(t, backend.AvailableModels[0].ID, s.Model)
	s = adjustSetting(s, settingModel, -1)
	assert.Equal(t, "", s.Model)
	s = adjustSetting(s, settingModel, -1)
	assert.Equal(t, backend.AvailableModels[len(backend.AvailableModels)-1].ID, s.Model)
}

func TestSendRendersReply(t *testing.T) {
	m := newTestModel(t)
	send(t, m, "capital of France?")

	sess, ok := m.deps.Store.Active()
	require.True(t, ok)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "capital of France?", sess.Title)
	assert.Contains(t, m.Viewport.View(), "Paris")
}

func TestSubmitWhitespaceIsNoop(t *testing.T) {
	m := newTestModel(t)
	m.TextInput.SetValue("   ")
	assert.Nil(t, m.submit())
	assert.Equal(t, 0, m.deps.Store.Len())
}

func TestNewCommandClearsActiveSession(t *testing.T) {
	m := newTestModel(t)
	send(t, m, "hello")
	require.NotEmpty(t, m.deps.Store.ActiveID())

	m.TextInput.SetValue("/new")
	m.Update(key("enter"))
	assert.Empty(t, m.deps.Store.ActiveID())
	assert.Equal(t, 1, m.deps.Store.Len())
	assert.Empty(t, m.TextInput.Value())
}

func TestSidebarPinRenameDelete(t *testing.T) {
	m := newTestModel(t)
	m.deps.Store.Create("first")
	m.deps.Store.Create("second")
	second := m.deps.Store.List()[0]

	m.Update(key("tab"))
	require.Equal(t, FocusSidebar, m.Focus)

	m.Update(key("p"))
	got, err := m.deps.Store.Get(second.ID)
	require.NoError(t, err)
	assert.True(t, got.Pinned)
	assert.Equal(t, "Pinned", m.Toast)

	m.Update(key("r"))
	require.Equal(t, ModalRename, m.Modal)
	m.RenameInput.SetValue("renamed")
	m.Update(key("enter"))
	got, _ = m.deps.Store.Get(second.ID)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, ModalNone, m.Modal)

	m.Update(key("d"))
	_, err = m.deps.Store.Get(second.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, m.deps.Store.Len())
}

func TestSidebarShowAll(t *testing.T) {
	m := newTestModel(t)
	for i := 0; i < 7; i++ {
		m.deps.Store.Create("chat")
	}
	m.Update(key("tab"))
	assert.Contains(t, m.RenderSidebar(), "show all (7)")
	m.Update(key("a"))
	assert.True(t, m.ShowAll)
	assert.Contains(t, m.RenderSidebar(), "show fewer")
}

func TestTranscriptEditLoadsInput(t *testing.T) {
	m := newTestModel(t)
	send(t, m, "first question")

	m.setFocus(FocusTranscript)
	assert.Equal(t, 1, m.Cursor)
	m.Update(key("up"))
	m.Update(key("e"))

	assert.Equal(t, 0, m.Editing)
	assert.Equal(t, FocusInput, m.Focus)
	assert.Equal(t, "first question", m.TextInput.Value())

	m.Update(key("esc"))
	assert.Equal(t, -1, m.Editing)
	assert.Empty(t, m.TextInput.Value())
}

func TestTranscriptCopyAndArtifacts(t *testing.T) {
	var copied string
	orig := writeClipboard
	writeClipboard = func(s string) error { copied = s; return nil }
	t.Cleanup(func() { writeClipboard = orig })

	m := newTestModel(t)
	send(t, m, "capital?")
	m.setFocus(FocusTranscript)

	_, cmd := m.Update(key("c"))
	require.NotNil(t, cmd)
	assert.Equal(t, ToastMsg{Text: "Copied"}, cmd())
	assert.Equal(t, answer, copied)

	_, cmd = m.Update(key("s"))
	require.NotNil(t, cmd)
	cmd()
	assert.True(t, strings.HasPrefix(copied, "{"))
	assert.Contains(t, copied, `"role": "assistant"`)

	m.Update(key("o"))
	require.Equal(t, ModalArtifacts, m.Modal)
	require.Len(t, m.Artifacts, 1)
	assert.Equal(t, "python", m.Artifacts[0].Language)
	_, cmd = m.Update(key("c"))
	cmd()
	assert.Equal(t, "print('paris')", copied)
}

func TestVerifyRejectsUserMessage(t *testing.T) {
	m := newTestModel(t)
	send(t, m, "question")
	m.setFocus(FocusTranscript)
	m.Update(key("up"))
	m.Update(key("v"))
	assert.Equal(t, "Select an answer to verify", m.Toast)
}

func TestSettingsApplyAndSave(t *testing.T) {
	m := newTestModel(t)

	m.Update(key("ctrl+o"))
	require.Equal(t, ModalSettings, m.Modal)
	m.Update(key("down"))
	m.Update(key("right"))
	_, cmd := m.Update(key("enter"))

	assert.Equal(t, ModalNone, m.Modal)
	assert.Equal(t, 4, m.deps.Chat.Options().Verbosity)
	require.NotNil(t, cmd)
	assert.Equal(t, SettingsSavedMsg{}, cmd())

	saved, err := config.LoadSettings(m.deps.SettingsPath)
	require.NoError(t, err)
	assert.Equal(t, 4, saved.Verbosity)
}

func TestLoginWithoutRemote(t *testing.T) {
	m := newTestModel(t)
	msg := m.signInCmd("ada@example.com", "pw")()
	m.Update(msg)
	assert.Equal(t, "Sign-in failed: No remote store configured", m.Toast)
}
