package ui

import (
	"esi/internal/chat"
	"esi/internal/config"
	"esi/internal/models"
	"esi/internal/store"
	"esi/internal/syncer"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/glamour"
	"go.uber.org/zap"
)

const (
	MaxChatWidth       = 100
	CompactWidthThresh = 90 // below this the sidebar is hidden unless focused

	SidebarPreviewCount = 5
	ToastDuration       = 3 * time.Second
)

var ModalWidth = 60

// Deps are the components the TUI drives.
type Deps struct {
	Chat         *chat.Controller
	Store        *store.Store
	Sync         *syncer.Syncer
	Settings     config.Settings
	SettingsPath string
	Log          *zap.Logger
}

type Focus int

const (
	FocusInput Focus = iota
	FocusSidebar
	FocusTranscript
)

type Modal int

const (
	ModalNone Modal = iota
	ModalSettings
	ModalArtifacts
	ModalShortcuts
	ModalRename
)

type (
	// ChatEventMsg carries one controller event.
	ChatEventMsg chat.Event

	// GenerationDoneMsg is returned by the command running a controller
	// operation once the placeholder has been resolved.
	GenerationDoneMsg struct {
		Op      string
		Outcome chat.Outcome
		Err     error
	}

	SelectedMsg struct {
		SessionID string
		Err       error
	}

	SignedInMsg struct {
		Identity models.Identity
		Err      error
	}

	SignedOutMsg struct{ Err error }

	SettingsSavedMsg struct{ Err error }

	ToastMsg      struct{ Text string }
	clearToastMsg struct{ id int }
)

type Model struct {
	deps Deps

	Viewport  viewport.Model
	TextInput textarea.Model
	Spinner   spinner.Model
	Renderer  *glamour.TermRenderer

	WindowWidth  int
	WindowHeight int

	Focus Focus
	Modal Modal

	// Sidebar
	SidebarIdx int
	ShowAll    bool

	// Transcript selection; -1 follows the last message.
	Cursor  int
	Editing int

	Settings    config.Settings
	SettingsIdx int

	Artifacts   []models.Artifact
	ArtifactIdx int

	RenameInput textinput.Model
	RenameID    string

	Toast   string
	toastID int

	// File mention autocomplete
	FileSuggestOpen   bool
	FileSuggestions   []string
	FileSuggestIdx    int
	FileSuggestPrefix string
	PendingFiles      []string

	Err error
}
