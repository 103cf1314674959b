package ui

import (
	"esi/internal/assembler"
	"esi/internal/backend"
	"esi/internal/models"
	"esi/internal/styles"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func modelName(id string) string {
	if id == "" {
		return "Default"
	}
	for _, mdl := range backend.AvailableModels {
		if mdl.ID == id {
			return mdl.Name
		}
	}
	return id
}

func (m *Model) RenderSettings() string {
	title := styles.ModalTitleStyle.Render("Settings")
	s := m.Settings

	onOff := func(b bool) string {
		if b {
			return "On"
		}
		return "Off"
	}
	rows := []struct{ label, value string }{
		{"Dark mode", onOff(s.DarkMode)},
		{"Verbosity", fmt.Sprintf("%d · %s", s.Verbosity, models.VerbosityLabels[s.Verbosity])},
		{"Creativity", fmt.Sprintf("%.1f · %s", s.Temperature, models.TemperatureLabel(s.Temperature))},
		{"Streaming", onOff(s.Stream)},
		{"Model", modelName(s.Model)},
	}

	items := make([]string, 0, len(rows))
	for i, r := range rows {
		line := fmt.Sprintf("%s %s", styles.KeyStyle.Render(r.label), r.value)
		if i == m.SettingsIdx {
			items = append(items, styles.ModalSelectedStyle.Render("‹ "+line+" ›"))
		} else {
			items = append(items, styles.ModalItemStyle.Render("  "+line))
		}
	}

	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render("↑/↓: field • ←/→: change • Enter/Esc: save")

	return lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinVertical(lipgloss.Left, items...), hint)
}

func (m *Model) RenderArtifacts() string {
	title := styles.ModalTitleStyle.Render(fmt.Sprintf("Artifacts (%d)", len(m.Artifacts)))

	items := make([]string, 0, len(m.Artifacts))
	for i, a := range m.Artifacts {
		lang := a.Language
		if lang == "" {
			lang = "text"
		}
		first, _, _ := strings.Cut(strings.TrimSpace(a.Content), "\n")
		line := fmt.Sprintf("%d. [%s] %s", i+1, lang, TruncateRunes(first, styles.ContentWidth-12))
		if i == m.ArtifactIdx {
			items = append(items, styles.ModalSelectedStyle.Render(line))
		} else {
			items = append(items, styles.ModalItemStyle.Render(line))
		}
	}

	var preview string
	if len(m.Artifacts) > 0 {
		a := m.Artifacts[m.ArtifactIdx]
		preview = a.Content
		if m.Renderer != nil {
			if out, err := m.Renderer.Render("```" + a.Language + "\n" + a.Content + "\n```"); err == nil {
				preview = strings.TrimSpace(out)
			}
		}
		lines := strings.Split(preview, "\n")
		if len(lines) > 15 {
			preview = strings.Join(lines[:15], "\n") + "\n…"
		}
	}

	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render("↑/↓: navigate • c/Enter: copy • Esc: close")

	return lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinVertical(lipgloss.Left, items...), "", preview, hint)
}

func (m *Model) RenderShortcutsModal() string {
	title := styles.ModalTitleStyle.Render("Keyboard Shortcuts")

	shortcuts := []struct {
		key  string
		desc string
	}{
		{"Ctrl+C", "Quit"},
		{"Ctrl+N", "New chat"},
		{"Ctrl+O", "Settings"},
		{"Tab", "Cycle input / chats / transcript"},
		{"Esc", "Cancel reply, leave edit mode"},
		{"@path", "Attach a file (in input)"},
		{"/login", "/login <email> <password>"},
		{"/logout", "Sign out of the remote store"},
		{"", ""},
		{"Chats", "↑↓ move, Enter open, p pin"},
		{"", "r rename, d delete, a show all"},
		{"Transcript", "↑↓ select, e edit, r redo"},
		{"", "v verify, c copy, s share"},
		{"", "o artifacts"},
	}

	items := make([]string, 0, len(shortcuts))
	for _, s := range shortcuts {
		line := fmt.Sprintf("%s %s", styles.KeyStyle.Render(s.key), styles.DescStyle.Render(s.desc))
		items = append(items, styles.ModalItemStyle.Render(line))
	}

	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render("Esc/Enter: close")

	return lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinVertical(lipgloss.Left, items...), hint)
}

func (m *Model) RenderRename() string {
	title := styles.ModalTitleStyle.Render("Rename chat")
	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render("Enter: save • Esc: cancel")
	return lipgloss.JoinVertical(lipgloss.Left, title, m.RenameInput.View(), hint)
}

func (m *Model) RenderSidebar() string {
	all := m.deps.Store.List()
	list := visibleSessions(all, m.ShowAll)
	activeID := m.deps.Store.ActiveID()
	width := styles.SidebarWidth - 2

	lines := []string{styles.TitleStyle.Render("Chats")}
	if len(list) == 0 {
		lines = append(lines, lipgloss.NewStyle().Foreground(styles.HintColor).Render("No chats yet"))
	}
	for i, s := range list {
		prefix := "  "
		if s.Pinned {
			prefix = styles.PinStyle.Render("★ ")
		}
		title := TruncateRunes(s.Title, width-2)
		if m.deps.Chat.PendingFor(s.ID) {
			title = TruncateRunes(s.Title, width-4) + " " + m.Spinner.View()
		}

		style := styles.SidebarItemStyle
		if s.ID == activeID {
			style = styles.SidebarActiveStyle
		}
		if m.Focus == FocusSidebar && i == m.SidebarIdx {
			style = styles.SidebarSelectedStyle
		}
		lines = append(lines, prefix+style.Render(title))
		lines = append(lines, lipgloss.NewStyle().Foreground(styles.HintColor).Render("  "+RelativeTime(s.CreatedAt)))
	}
	if len(all) > SidebarPreviewCount {
		label := fmt.Sprintf("a: show all (%d)", len(all))
		if m.ShowAll {
			label = "a: show fewer"
		}
		lines = append(lines, "", lipgloss.NewStyle().Foreground(styles.HintColor).Render(label))
	}

	style := styles.SidebarStyle
	if m.Focus == FocusSidebar {
		style = styles.SidebarFocusedStyle
	}
	return style.Height(max(m.WindowHeight-3, 1)).Render(strings.Join(lines, "\n"))
}

func (m *Model) RenderBottomBar() string {
	badge, badgeColor := "LOCAL", styles.CurrentTheme.Secondary
	account := ""
	if id, ok := m.deps.Sync.Identity(); ok {
		badge, badgeColor = "SYNC", styles.CurrentTheme.Success
		account = id.Email
	}
	mode := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(badgeColor).
		Padding(0, 1).
		Render(badge)

	muted := lipgloss.NewStyle().Foreground(styles.HintColor)
	opts := m.deps.Chat.Options()
	stream := "blocking"
	if m.deps.Chat.Streaming() {
		stream = "streaming"
	}
	info := muted.Render(fmt.Sprintf("%s · %s · %s",
		TruncateRunes(modelName(opts.Model), 25), models.VerbosityLabels[opts.Verbosity], stream))

	left := lipgloss.JoinHorizontal(lipgloss.Center, mode, "  ", info)
	if account != "" {
		left = lipgloss.JoinHorizontal(lipgloss.Center, left, "  ", muted.Render(TruncateRunes(account, 30)))
	}

	right := muted.Render("Help: ^S")
	if m.Toast != "" {
		right = styles.ToastStyle.Render(m.Toast)
	}

	gap := max(m.WindowWidth-lipgloss.Width(left)-lipgloss.Width(right)-2, 0)
	bar := lipgloss.JoinHorizontal(lipgloss.Center, left, strings.Repeat(" ", gap), right)

	return lipgloss.NewStyle().
		Width(m.WindowWidth).
		BorderTop(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.CurrentTheme.Border).
		Padding(0, 1).
		Render(bar)
}

func (m *Model) RenderPendingFiles() string {
	if len(m.PendingFiles) == 0 {
		return ""
	}
	chips := make([]string, 0, len(m.PendingFiles))
	for _, file := range m.PendingFiles {
		chips = append(chips, styles.ChipStyle.Render("📄 "+filepath.Base(file)))
	}
	return lipgloss.NewStyle().Foreground(styles.HintColor).Render("Attached: ") + strings.Join(chips, " ")
}

func (m *Model) RenderFileSuggestions() string {
	if !m.FileSuggestOpen || len(m.FileSuggestions) == 0 {
		return ""
	}

	lines := []string{lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Italic(true).
		Render("  Files (↑↓ to select, Tab/Enter to insert)")}
	for i, s := range m.FileSuggestions {
		if i == m.FileSuggestIdx {
			lines = append(lines, styles.SidebarSelectedStyle.Padding(0, 1).Render("▸ "+s))
		} else {
			lines = append(lines, lipgloss.NewStyle().Padding(0, 1).Render("  "+s))
		}
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.CurrentTheme.Accent).
		Padding(0, 1).
		Render(strings.Join(lines, "\n"))
}

func GetWelcomeScreen(width, height int) string {
	art := `
 ███████╗███████╗██╗
 ██╔════╝██╔════╝██║
 █████╗  ███████╗██║
 ██╔══╝  ╚════██║██║
 ███████╗███████║██║
 ╚══════╝╚══════╝╚═╝
`
	subtitle := "Ask a question. Answers come with sources."

	content := lipgloss.JoinVertical(lipgloss.Center,
		styles.WelcomeArtStyle.Render(art),
		"",
		styles.WelcomeSubtitleStyle.Render(subtitle),
	)
	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, content)
}

// renderMessage draws one message of the active transcript.
func (m *Model) renderMessage(msg models.Message, selected, pending bool) string {
	if msg.Role == models.RoleUser {
		return FormatUserMessage(msg.Content.Text, m.Viewport.Width, selected)
	}

	if msg.Content.IsEmpty() {
		if pending {
			status := m.deps.Chat.Status()
			if status == "" {
				status = backend.DefaultPhrase
			}
			return FormatAIMessage(m.Spinner.View()+" "+styles.StatusStyle.Render(status), selected)
		}
		return FormatAIMessage(styles.StatusStyle.Render("(no reply)"), selected)
	}

	body := assembler.PlainText(msg.Content)
	if msg.Content.Kind == models.RenderedMarkup && m.Renderer != nil {
		if out, err := m.Renderer.Render(msg.Content.Text); err == nil {
			body = strings.TrimSpace(out)
		}
	}
	if pending {
		body += "\n" + m.Spinner.View() + " " + styles.StatusStyle.Render(m.deps.Chat.Status())
	}
	return FormatAIMessage(body, selected)
}

func (m *Model) UpdateViewport() {
	sess, ok := m.deps.Store.Active()
	if !ok || len(sess.Messages) == 0 {
		m.Viewport.SetContent(GetWelcomeScreen(m.Viewport.Width, m.Viewport.Height))
		return
	}

	pending := m.deps.Chat.PendingFor(sess.ID)
	last := len(sess.Messages) - 1
	parts := make([]string, 0, len(sess.Messages)+1)
	parts = append(parts, styles.TitleStyle.Render(sess.Title))
	for i, msg := range sess.Messages {
		selected := m.Focus == FocusTranscript && i == m.Cursor
		parts = append(parts, m.renderMessage(msg, selected, pending && i == last && msg.Role == models.RoleAssistant))
	}
	m.Viewport.SetContent(strings.Join(parts, "\n\n"))
	if m.Focus != FocusTranscript {
		m.Viewport.GotoBottom()
	}
}

func (m *Model) modal() string {
	var body string
	switch m.Modal {
	case ModalSettings:
		body = m.RenderSettings()
	case ModalArtifacts:
		body = m.RenderArtifacts()
	case ModalShortcuts:
		body = m.RenderShortcutsModal()
	case ModalRename:
		body = m.RenderRename()
	default:
		return ""
	}
	return styles.ModalStyle.Width(ModalWidth).Render(body)
}

func (m *Model) View() string {
	if modal := m.modal(); modal != "" {
		return lipgloss.Place(m.WindowWidth, m.WindowHeight, lipgloss.Center, lipgloss.Center, modal)
	}

	chatWidth := m.chatWidth()
	boxStyle := styles.InputBoxStyle
	if m.Editing >= 0 {
		boxStyle = styles.EditingBoxStyle
	}
	inputParts := []string{}
	if m.Editing >= 0 {
		inputParts = append(inputParts, styles.StatusStyle.Render("Editing message, Enter to regenerate, Esc to cancel"))
	}
	if p := m.RenderPendingFiles(); p != "" {
		inputParts = append(inputParts, p)
	}
	if s := m.RenderFileSuggestions(); s != "" {
		inputParts = append(inputParts, s)
	}
	inputParts = append(inputParts, boxStyle.Width(chatWidth-2).Render(m.TextInput.View()))

	chatContent := lipgloss.JoinVertical(lipgloss.Center,
		m.Viewport.View(),
		"",
		lipgloss.JoinVertical(lipgloss.Left, inputParts...),
	)

	main := lipgloss.PlaceHorizontal(chatWidth, lipgloss.Center, chatContent)
	if m.showSidebar() {
		main = lipgloss.JoinHorizontal(lipgloss.Top, m.RenderSidebar(), " ", main)
	}
	return lipgloss.JoinVertical(lipgloss.Left, main, m.RenderBottomBar())
}
