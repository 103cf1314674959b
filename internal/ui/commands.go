package ui

import (
	"context"
	"esi/internal/chat"
	"esi/internal/config"
	"esi/internal/models"
	"esi/internal/remote"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
)

const remoteTimeout = 30 * time.Second

// writeClipboard is swapped out in tests.
var writeClipboard = clipboard.WriteAll

// waitForEvent blocks on the controller's event channel. Update re-arms it
// after every event.
func (m *Model) waitForEvent() tea.Cmd {
	events := m.deps.Chat.Events()
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return ChatEventMsg(ev)
	}
}

func generationCmd(op string, run func(ctx context.Context) (chat.Outcome, error)) tea.Cmd {
	return func() tea.Msg {
		out, err := run(context.Background())
		return GenerationDoneMsg{Op: op, Outcome: out, Err: err}
	}
}

func (m *Model) sendCmd(text string, att *models.Attachment) tea.Cmd {
	c := m.deps.Chat
	return generationCmd("send", func(ctx context.Context) (chat.Outcome, error) {
		return c.Send(ctx, text, att)
	})
}

func (m *Model) editCmd(i int, text string) tea.Cmd {
	c := m.deps.Chat
	return generationCmd("edit", func(ctx context.Context) (chat.Outcome, error) {
		return c.EditAndRegenerate(ctx, i, text)
	})
}

func (m *Model) redoCmd(k int) tea.Cmd {
	c := m.deps.Chat
	return generationCmd("redo", func(ctx context.Context) (chat.Outcome, error) {
		return c.Redo(ctx, k)
	})
}

func (m *Model) verifyCmd(k int) tea.Cmd {
	c := m.deps.Chat
	return generationCmd("verify", func(ctx context.Context) (chat.Outcome, error) {
		return c.Verify(ctx, k)
	})
}

func (m *Model) selectCmd(id string) tea.Cmd {
	c := m.deps.Chat
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
		defer cancel()
		return SelectedMsg{SessionID: id, Err: c.Select(ctx, id)}
	}
}

func (m *Model) signInCmd(email, password string) tea.Cmd {
	s := m.deps.Sync
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
		defer cancel()
		id, err := s.SignIn(ctx, remote.Credentials{Email: email, Password: password})
		return SignedInMsg{Identity: id, Err: err}
	}
}

func (m *Model) signOutCmd() tea.Cmd {
	s := m.deps.Sync
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
		defer cancel()
		return SignedOutMsg{Err: s.SignOut(ctx)}
	}
}

func (m *Model) saveSettingsCmd() tea.Cmd {
	path, s := m.deps.SettingsPath, m.Settings
	return func() tea.Msg {
		if path == "" {
			return SettingsSavedMsg{}
		}
		return SettingsSavedMsg{Err: config.SaveSettings(path, s)}
	}
}

func copyCmd(text, done string) tea.Cmd {
	return func() tea.Msg {
		if err := writeClipboard(text); err != nil {
			return ToastMsg{Text: "Clipboard unavailable: " + err.Error()}
		}
		return ToastMsg{Text: done}
	}
}

func (m *Model) showToast(text string) tea.Cmd {
	m.toastID++
	m.Toast = text
	id := m.toastID
	return tea.Tick(ToastDuration, func(time.Time) tea.Msg {
		return clearToastMsg{id: id}
	})
}
