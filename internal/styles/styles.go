package styles

import "github.com/charmbracelet/lipgloss"

var (
	ContentWidth = 54
	SidebarWidth = 30
)

var (
	TitleStyle lipgloss.Style

	UserLabelStyle lipgloss.Style
	UserMsgStyle   lipgloss.Style
	AiLabelStyle   lipgloss.Style
	AiMsgStyle     lipgloss.Style
	SelectedMarker lipgloss.Style
	StatusStyle    lipgloss.Style

	ErrorStyle lipgloss.Style
	ToastStyle lipgloss.Style

	InputBoxStyle   lipgloss.Style
	EditingBoxStyle lipgloss.Style

	WelcomeArtStyle      lipgloss.Style
	WelcomeSubtitleStyle lipgloss.Style

	SidebarStyle         lipgloss.Style
	SidebarFocusedStyle  lipgloss.Style
	SidebarItemStyle     lipgloss.Style
	SidebarActiveStyle   lipgloss.Style
	SidebarSelectedStyle lipgloss.Style
	PinStyle             lipgloss.Style

	ModalStyle         lipgloss.Style
	ModalTitleStyle    lipgloss.Style
	ModalItemStyle     lipgloss.Style
	ModalSelectedStyle lipgloss.Style
	KeyStyle           lipgloss.Style
	DescStyle          lipgloss.Style

	ChipStyle lipgloss.Style

	HintColor lipgloss.Color
)

func build(t Theme) {
	HintColor = t.TextMuted

	TitleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(t.Primary).
		Padding(0, 1)

	UserLabelStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(t.Secondary).
		Bold(true).
		Padding(0, 1).
		MarginRight(1)

	UserMsgStyle = lipgloss.NewStyle().
		Foreground(t.TextPrimary).
		PaddingLeft(2).
		BorderLeft(true).
		BorderStyle(lipgloss.ThickBorder()).
		BorderForeground(t.Secondary)

	AiLabelStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(t.Primary).
		Bold(true).
		Padding(0, 1).
		MarginRight(1)

	AiMsgStyle = lipgloss.NewStyle().
		Foreground(t.TextPrimary).
		BorderLeft(true).
		BorderStyle(lipgloss.ThickBorder()).
		BorderForeground(t.Primary)

	SelectedMarker = lipgloss.NewStyle().
		Foreground(t.Accent).
		Bold(true)

	StatusStyle = lipgloss.NewStyle().
		Foreground(t.TextSecondary).
		Italic(true)

	ErrorStyle = lipgloss.NewStyle().
		Foreground(t.Error).
		Bold(true)

	ToastStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(t.Primary).
		Padding(0, 1)

	InputBoxStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.Primary).
		Padding(0, 1)

	EditingBoxStyle = InputBoxStyle.BorderForeground(t.Warning)

	WelcomeArtStyle = lipgloss.NewStyle().
		Foreground(t.TextPrimary).
		Bold(true)

	WelcomeSubtitleStyle = lipgloss.NewStyle().
		Foreground(t.TextMuted).
		Italic(true)

	SidebarStyle = lipgloss.NewStyle().
		Width(SidebarWidth).
		BorderRight(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(t.Border).
		Padding(0, 1)

	SidebarFocusedStyle = SidebarStyle.BorderForeground(t.Primary)

	SidebarItemStyle = lipgloss.NewStyle().
		Foreground(t.TextSecondary)

	SidebarActiveStyle = lipgloss.NewStyle().
		Foreground(t.Primary).
		Bold(true)

	SidebarSelectedStyle = lipgloss.NewStyle().
		Background(t.Selection).
		Foreground(t.TextPrimary)

	PinStyle = lipgloss.NewStyle().
		Foreground(t.Warning)

	ModalStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.Primary).
		Padding(1, 2)

	ModalTitleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(t.Primary).
		Width(ContentWidth).
		MarginBottom(1)

	ModalItemStyle = lipgloss.NewStyle().
		Padding(0, 1).
		Width(ContentWidth)

	ModalSelectedStyle = lipgloss.NewStyle().
		Padding(0, 1).
		Width(ContentWidth).
		Background(t.Selection).
		Foreground(t.TextPrimary)

	KeyStyle = lipgloss.NewStyle().
		Foreground(t.Warning).
		Bold(true).
		Width(12)

	DescStyle = lipgloss.NewStyle().
		Foreground(t.TextSecondary)

	ChipStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(t.Accent).
		Padding(0, 1).
		MarginRight(1)
}

// Resize updates the widths that depend on the modal size.
func Resize(contentWidth int) {
	ContentWidth = contentWidth
	ModalTitleStyle = ModalTitleStyle.Width(contentWidth)
	ModalItemStyle = ModalItemStyle.Width(contentWidth)
	ModalSelectedStyle = ModalSelectedStyle.Width(contentWidth)
}
