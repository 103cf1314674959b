package ui

import (
	"errors"
	"esi/internal/backend"
	"esi/internal/chat"
	"esi/internal/config"
	"esi/internal/models"
	"esi/internal/styles"
	"esi/internal/syncer"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case spinner.TickMsg:
		var spCmd tea.Cmd
		m.Spinner, spCmd = m.Spinner.Update(msg)
		if m.activePending() {
			m.UpdateViewport()
		}
		return m, spCmd

	case ChatEventMsg:
		if msg.Kind == chat.MessageUpdated || msg.Kind == chat.StatusChanged || msg.SessionID == m.deps.Store.ActiveID() {
			m.UpdateViewport()
		}
		return m, m.waitForEvent()

	case GenerationDoneMsg:
		m.UpdateViewport()
		if msg.Err != nil {
			return m, m.showToast(errorText(msg.Err))
		}
		if msg.Outcome.Failure != nil {
			m.deps.Log.Debug("reply fell back", zap.String("op", msg.Op), zap.Error(msg.Outcome.Failure))
		}
		return m, nil

	case SelectedMsg:
		m.Cursor = -1
		m.Editing = -1
		m.UpdateViewport()
		if msg.Err != nil {
			return m, m.showToast(errorText(msg.Err))
		}
		return m, nil

	case SignedInMsg:
		m.SidebarIdx = 0
		m.Cursor = -1
		m.UpdateViewport()
		if msg.Err != nil {
			return m, m.showToast("Sign-in failed: " + errorText(msg.Err))
		}
		return m, m.showToast("Signed in as " + msg.Identity.Email)

	case SignedOutMsg:
		m.SidebarIdx = 0
		m.Cursor = -1
		m.Editing = -1
		m.UpdateViewport()
		if msg.Err != nil {
			return m, m.showToast("Sign-out failed: " + errorText(msg.Err))
		}
		return m, m.showToast("Signed out")

	case SettingsSavedMsg:
		if msg.Err != nil {
			return m, m.showToast("Saving settings failed: " + msg.Err.Error())
		}
		return m, nil

	case ToastMsg:
		return m, m.showToast(msg.Text)

	case clearToastMsg:
		if msg.id == m.toastID {
			m.Toast = ""
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.WindowWidth = msg.Width
		m.WindowHeight = msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	m.TextInput, tiCmd = m.TextInput.Update(msg)
	m.Viewport, vpCmd = m.Viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd)
}

func errorText(err error) string {
	switch {
	case errors.Is(err, chat.ErrGenerationInFlight):
		return "A reply is still being generated for this chat"
	case errors.Is(err, chat.ErrEmptyInput):
		return "Nothing to send"
	case errors.Is(err, syncer.ErrDisabled):
		return "No remote store configured"
	}
	return err.Error()
}

func (m *Model) activePending() bool {
	return m.deps.Chat.PendingFor(m.deps.Store.ActiveID())
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}

	switch m.Modal {
	case ModalSettings:
		return m, m.updateSettings(msg)
	case ModalArtifacts:
		return m, m.updateArtifacts(msg)
	case ModalRename:
		return m, m.updateRename(msg)
	case ModalShortcuts:
		switch msg.String() {
		case "esc", "enter", "?", "ctrl+s":
			m.Modal = ModalNone
		}
		return m, nil
	}

	switch msg.String() {
	case "ctrl+n":
		m.newChat()
		return m, nil
	case "ctrl+o":
		m.Modal = ModalSettings
		m.SettingsIdx = 0
		return m, nil
	case "ctrl+s":
		m.Modal = ModalShortcuts
		return m, nil
	case "tab":
		if !m.FileSuggestOpen {
			m.setFocus((m.Focus + 1) % 3)
			return m, nil
		}
	case "shift+tab":
		m.setFocus((m.Focus + 2) % 3)
		return m, nil
	case "esc":
		return m, m.escape()
	}

	switch m.Focus {
	case FocusSidebar:
		return m, m.updateSidebar(msg)
	case FocusTranscript:
		return m, m.updateTranscript(msg)
	}
	return m.updateInput(msg)
}

// escape closes the innermost thing open: suggestions, the pending reply,
// edit mode, then focus.
func (m *Model) escape() tea.Cmd {
	if m.FileSuggestOpen {
		m.FileSuggestOpen = false
		return nil
	}
	if id := m.deps.Store.ActiveID(); m.deps.Chat.Cancel(id) {
		return m.showToast("Reply cancelled")
	}
	if m.Editing >= 0 {
		m.Editing = -1
		m.TextInput.Reset()
		m.updateInputLayout()
		return nil
	}
	m.setFocus(FocusInput)
	return nil
}

func (m *Model) setFocus(f Focus) {
	m.Focus = f
	if f == FocusInput {
		m.TextInput.Focus()
	} else {
		m.TextInput.Blur()
	}
	if f == FocusTranscript && m.Cursor < 0 {
		m.Cursor = len(m.activeMessages()) - 1
	}
	m.layout()
}

func (m *Model) newChat() {
	m.deps.Chat.NewChat()
	m.Cursor = -1
	m.Editing = -1
	m.TextInput.Reset()
	m.setFocus(FocusInput)
}

func (m *Model) activeMessages() []models.Message {
	sess, ok := m.deps.Store.Active()
	if !ok {
		return nil
	}
	return sess.Messages
}

func isNewlineShortcut(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "shift+enter", "shift+return", "ctrl+j", "ctrl+enter", "alt+enter":
		return true
	default:
		return false
	}
}

func (m *Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if isNewlineShortcut(msg) {
		m.TextInput.InsertString("\n")
		m.FileSuggestOpen = false
		m.updateInputLayout()
		return m, nil
	}

	if m.FileSuggestOpen {
		switch msg.String() {
		case "up", "ctrl+p":
			m.FileSuggestIdx = wrapIndex(m.FileSuggestIdx-1, len(m.FileSuggestions))
			return m, nil
		case "down":
			m.FileSuggestIdx = wrapIndex(m.FileSuggestIdx+1, len(m.FileSuggestions))
			return m, nil
		case "tab", "enter":
			m.acceptFileSuggestion()
			return m, nil
		}
	}

	if msg.Type == tea.KeyEnter {
		return m, m.submit()
	}

	var tiCmd tea.Cmd
	m.TextInput, tiCmd = m.TextInput.Update(msg)
	m.updateInputLayout()

	// Terminal background color queries and cursor reports can leak into the input.
	val := m.TextInput.Value()
	if strings.Contains(val, "]11;rgb:") || strings.Contains(val, "1;rgb:") || strings.Contains(val, "[1;1R") {
		m.TextInput.Reset()
		val = ""
	}

	cursorPos := TextareaCursorIndex(m.TextInput)
	m.FileSuggestOpen = false
	if prefix, _, found := GetAtPosition(val, cursorPos); found {
		if suggestions := GetFileSuggestions(prefix); len(suggestions) > 0 {
			m.FileSuggestions = suggestions
			m.FileSuggestOpen = true
			m.FileSuggestIdx = 0
			m.FileSuggestPrefix = prefix
		}
	}
	_, m.PendingFiles = ExtractFileMentions(val)

	return m, tiCmd
}

func (m *Model) acceptFileSuggestion() {
	if len(m.FileSuggestions) == 0 || m.FileSuggestIdx >= len(m.FileSuggestions) {
		m.FileSuggestOpen = false
		return
	}
	selected := m.FileSuggestions[m.FileSuggestIdx]
	val := m.TextInput.Value()
	cursorPos := TextareaCursorIndex(m.TextInput)
	if prefix, startPos, found := GetAtPosition(val, cursorPos); found {
		newVal := val[:startPos] + "@" + selected + " " + val[startPos+1+len(prefix):]
		m.TextInput.SetValue(newVal)
		row, col := TextareaCursorFromIndex(newVal, startPos+len(selected)+2)
		SetTextareaCursor(&m.TextInput, row, col)
	}
	m.FileSuggestOpen = false
	_, m.PendingFiles = ExtractFileMentions(m.TextInput.Value())
}

// submit sends the prompt, runs a slash command or finishes an edit.
func (m *Model) submit() tea.Cmd {
	input := strings.TrimSpace(m.TextInput.Value())
	if input == "" {
		return nil
	}

	if name, args, ok := parseCommand(input); ok {
		m.clearInput()
		return m.runCommand(name, args)
	}

	if m.activePending() {
		return m.showToast(errorText(chat.ErrGenerationInFlight))
	}

	text, files := ExtractFileMentions(input)
	att, err := LoadAttachment(files)
	if err != nil {
		return m.showToast(err.Error())
	}

	editing := m.Editing
	m.clearInput()
	m.Cursor = -1
	m.Editing = -1
	if editing >= 0 {
		return tea.Batch(m.editCmd(editing, text), m.Spinner.Tick)
	}
	return tea.Batch(m.sendCmd(text, att), m.Spinner.Tick)
}

func (m *Model) clearInput() {
	m.TextInput.Reset()
	m.FileSuggestOpen = false
	m.PendingFiles = nil
	m.updateInputLayout()
}

var commands = map[string]bool{
	"/login":  true,
	"/logout": true,
	"/new":    true,
	"/clear":  true,
	"/help":   true,
}

// parseCommand splits a slash command. Unknown commands are sent as text.
func parseCommand(input string) (string, []string, bool) {
	fields := strings.Fields(input)
	if len(fields) == 0 || !commands[fields[0]] {
		return "", nil, false
	}
	return fields[0], fields[1:], true
}

func (m *Model) runCommand(name string, args []string) tea.Cmd {
	switch name {
	case "/login":
		if len(args) != 2 {
			return m.showToast("Usage: /login <email> <password>")
		}
		return m.signInCmd(args[0], args[1])
	case "/logout":
		return m.signOutCmd()
	case "/new", "/clear":
		m.newChat()
	case "/help":
		m.Modal = ModalShortcuts
	}
	return nil
}

// visibleSessions returns the sessions the sidebar shows.
func visibleSessions(all []models.Session, showAll bool) []models.Session {
	if !showAll && len(all) > SidebarPreviewCount {
		return all[:SidebarPreviewCount]
	}
	return all
}

func wrapIndex(i, n int) int {
	if n == 0 {
		return 0
	}
	return ((i % n) + n) % n
}

func (m *Model) updateSidebar(msg tea.KeyMsg) tea.Cmd {
	list := visibleSessions(m.deps.Store.List(), m.ShowAll)
	if m.SidebarIdx >= len(list) {
		m.SidebarIdx = max(len(list)-1, 0)
	}

	switch msg.String() {
	case "up", "k":
		m.SidebarIdx = wrapIndex(m.SidebarIdx-1, len(list))
	case "down", "j":
		m.SidebarIdx = wrapIndex(m.SidebarIdx+1, len(list))
	case "a":
		m.ShowAll = !m.ShowAll
	case "n":
		m.newChat()
	}
	if len(list) == 0 {
		return nil
	}
	sess := list[m.SidebarIdx]

	switch msg.String() {
	case "enter":
		m.setFocus(FocusInput)
		return m.selectCmd(sess.ID)
	case "p":
		pinned, err := m.deps.Store.TogglePin(sess.ID)
		if err != nil {
			return m.showToast(err.Error())
		}
		if pinned {
			return m.showToast("Pinned")
		}
		return m.showToast("Unpinned")
	case "r":
		m.Modal = ModalRename
		m.RenameID = sess.ID
		m.RenameInput.Width = styles.ContentWidth - 4
		m.RenameInput.SetValue(sess.Title)
		m.RenameInput.CursorEnd()
		return m.RenameInput.Focus()
	case "d", "delete":
		if m.deps.Chat.PendingFor(sess.ID) {
			m.deps.Chat.Cancel(sess.ID)
		}
		if err := m.deps.Store.Delete(sess.ID); err != nil {
			return m.showToast(err.Error())
		}
		m.UpdateViewport()
		return m.showToast("Chat deleted")
	}
	return nil
}

func (m *Model) updateRename(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "esc":
		m.Modal = ModalNone
		m.RenameInput.Blur()
		return nil
	case "enter":
		m.Modal = ModalNone
		m.RenameInput.Blur()
		if _, err := m.deps.Store.Rename(m.RenameID, m.RenameInput.Value()); err != nil {
			return m.showToast(err.Error())
		}
		return m.showToast("Renamed")
	}
	var cmd tea.Cmd
	m.RenameInput, cmd = m.RenameInput.Update(msg)
	return cmd
}

func (m *Model) updateTranscript(msg tea.KeyMsg) tea.Cmd {
	msgs := m.activeMessages()
	if len(msgs) == 0 {
		return nil
	}
	if m.Cursor < 0 || m.Cursor >= len(msgs) {
		m.Cursor = len(msgs) - 1
	}
	k := m.Cursor
	sel := msgs[k]

	switch msg.String() {
	case "up", "k":
		m.Cursor = max(k-1, 0)
		m.UpdateViewport()
	case "down", "j":
		m.Cursor = min(k+1, len(msgs)-1)
		m.UpdateViewport()
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.Viewport, cmd = m.Viewport.Update(msg)
		return cmd

	case "e":
		if sel.Role != models.RoleUser {
			return m.showToast("Only your messages can be edited")
		}
		m.Editing = k
		m.TextInput.SetValue(sel.Content.Text)
		m.setFocus(FocusInput)
		m.updateInputLayout()
	case "r":
		if sel.Role == models.RoleUser {
			k++
		}
		m.Cursor = -1
		return tea.Batch(m.redoCmd(k), m.Spinner.Tick)
	case "v":
		if sel.Role != models.RoleAssistant {
			return m.showToast("Select an answer to verify")
		}
		m.Cursor = -1
		return tea.Batch(m.verifyCmd(k), m.Spinner.Tick)
	case "c":
		if sel.Role == models.RoleUser {
			return copyCmd(sel.Content.Text, "Copied")
		}
		text, err := m.deps.Chat.Copy(k)
		if err != nil {
			return m.showToast(err.Error())
		}
		return copyCmd(text, "Copied")
	case "s":
		data, err := m.deps.Chat.Share(k)
		if err != nil {
			return m.showToast(errorText(err))
		}
		return copyCmd(string(data), "Share link data copied")
	case "o":
		arts, err := m.deps.Chat.Artifacts(k)
		if err != nil {
			return m.showToast(errorText(err))
		}
		if len(arts) == 0 {
			return m.showToast("No artifacts in this answer")
		}
		m.Artifacts = arts
		m.ArtifactIdx = 0
		m.Modal = ModalArtifacts
	}
	return nil
}

func (m *Model) updateArtifacts(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "esc", "q":
		m.Modal = ModalNone
	case "up", "k":
		m.ArtifactIdx = wrapIndex(m.ArtifactIdx-1, len(m.Artifacts))
	case "down", "j":
		m.ArtifactIdx = wrapIndex(m.ArtifactIdx+1, len(m.Artifacts))
	case "c", "enter":
		if len(m.Artifacts) > 0 {
			return copyCmd(m.Artifacts[m.ArtifactIdx].Content, "Artifact copied")
		}
	}
	return nil
}

const (
	settingDarkMode = iota
	settingVerbosity
	settingTemperature
	settingStream
	settingModel
	settingCount
)

// adjustSetting moves field by delta steps and returns the normalized result.
func adjustSetting(s config.Settings, field, delta int) config.Settings {
	switch field {
	case settingDarkMode:
		s.DarkMode = !s.DarkMode
	case settingVerbosity:
		s.Verbosity += delta
	case settingTemperature:
		s.Temperature += 0.1 * float64(delta)
	case settingStream:
		s.Stream = !s.Stream
	case settingModel:
		idx := -1
		for i, mdl := range backend.AvailableModels {
			if mdl.ID == s.Model {
				idx = i
			}
		}
		// -1 is the backend default.
		n := len(backend.AvailableModels) + 1
		next := wrapIndex(idx+1+delta, n) - 1
		if next < 0 {
			s.Model = ""
		} else {
			s.Model = backend.AvailableModels[next].ID
		}
	}
	return s.Normalize()
}

func (m *Model) updateSettings(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "up", "k":
		m.SettingsIdx = wrapIndex(m.SettingsIdx-1, settingCount)
	case "down", "j":
		m.SettingsIdx = wrapIndex(m.SettingsIdx+1, settingCount)
	case "left", "h":
		m.Settings = adjustSetting(m.Settings, m.SettingsIdx, -1)
	case "right", "l", " ":
		m.Settings = adjustSetting(m.Settings, m.SettingsIdx, 1)
	case "esc", "enter", "ctrl+o":
		m.Modal = ModalNone
		return m.applySettings()
	}
	return nil
}

func (m *Model) applySettings() tea.Cmd {
	s := m.Settings
	m.deps.Chat.SetOptions(backend.Options{
		Verbosity:   s.Verbosity,
		Temperature: s.Temperature,
		Model:       s.Model,
	})
	m.deps.Chat.SetStreaming(s.Stream)
	if s.DarkMode != m.deps.Settings.DarkMode {
		styles.Use(s.DarkMode)
		m.layout()
	}
	m.deps.Settings = s
	return m.saveSettingsCmd()
}

func (m *Model) layout() {
	if m.WindowWidth == 0 || m.WindowHeight == 0 {
		return
	}
	ModalWidth = min(max(m.WindowWidth-10, 30), 60)
	styles.Resize(ModalWidth - 6)

	m.Viewport.Width = m.chatWidth() - 2
	m.updateInputLayout()
	m.buildRenderer(m.Viewport.Width - 6)
	m.UpdateViewport()
}

func (m *Model) showSidebar() bool {
	return m.WindowWidth >= CompactWidthThresh || m.Focus == FocusSidebar
}

func (m *Model) chatWidth() int {
	w := m.WindowWidth - 2
	if m.showSidebar() {
		w -= styles.SidebarWidth + 3
	}
	return min(max(w, 20), MaxChatWidth)
}

func (m *Model) updateInputLayout() {
	if m.WindowWidth == 0 || m.WindowHeight == 0 {
		return
	}

	inputWidth := max(m.chatWidth()-4, 20)
	contentWidth := max(inputWidth-2, 1)

	const maxInputHeight = 6
	lineCount := min(max(WrappedLineCount(m.TextInput.Value(), contentWidth), 1), maxInputHeight)

	m.TextInput.MaxHeight = maxInputHeight
	m.TextInput.SetWidth(inputWidth)
	m.TextInput.SetHeight(lineCount)

	inputBoxHeight := m.TextInput.Height() + 2
	reserved := inputBoxHeight + 5
	m.Viewport.Height = max(m.WindowHeight-reserved, 5)
}
