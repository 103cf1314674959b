package chat

import (
	"encoding/json"
	"esi/internal/assembler"
	"esi/internal/models"
	"esi/internal/store"
	"fmt"
	"time"
)

func (c *Controller) assistantMessage(k int) (models.Session, models.Message, error) {
	sess, err := c.activeSession()
	if err != nil {
		return models.Session{}, models.Message{}, err
	}
	if k < 0 || k >= len(sess.Messages) {
		return models.Session{}, models.Message{}, fmt.Errorf("message %d: %w", k, store.ErrIndexOutOfRange)
	}
	m := sess.Messages[k]
	if m.Role != models.RoleAssistant {
		return models.Session{}, models.Message{}, fmt.Errorf("message %d: %w", k, ErrNotAssistantMessage)
	}
	return sess, m, nil
}

// Copy returns the text of assistant message k for the clipboard.
func (c *Controller) Copy(k int) (string, error) {
	_, m, err := c.assistantMessage(k)
	if err != nil {
		return "", err
	}
	return assembler.PlainText(m.Content), nil
}

type sharePayload struct {
	SessionID string    `json:"sessionId"`
	Index     int       `json:"index"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Share returns a JSON document describing assistant message k.
func (c *Controller) Share(k int) ([]byte, error) {
	sess, m, err := c.assistantMessage(k)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(sharePayload{
		SessionID: sess.ID,
		Index:     m.Index,
		Role:      string(m.Role),
		Content:   assembler.PlainText(m.Content),
		CreatedAt: m.CreatedAt,
	}, "", "  ")
}

// Artifacts returns the code blocks of assistant message k.
func (c *Controller) Artifacts(k int) ([]models.Artifact, error) {
	_, m, err := c.assistantMessage(k)
	if err != nil {
		return nil, err
	}
	if m.Content.Kind != models.RenderedMarkup {
		return nil, nil
	}
	return c.assembler.Artifacts(m.Content.Text), nil
}
