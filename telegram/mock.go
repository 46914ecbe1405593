package telegram

import (
	"context"
	"log/slog"
	"sync"
)

// Mock logs messages instead of sending them. Used for local development and tests.
type Mock struct {
	logger   *slog.Logger
	sent     []OutgoingMessage
	edits    []EditMessage
	answers  []string
	commands []BotCommand
	nextID   int64
	mu       sync.Mutex
}

// NewMock creates a new mock client.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{logger: logger}
}

// SendMessage records the message and returns it with a fresh message id.
func (m *Mock) SendMessage(_ context.Context, msg *OutgoingMessage) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.sent = append(m.sent, *msg)
	m.logger.Info("MOCK TELEGRAM MESSAGE",
		"chat_id", msg.ChatID,
		"message_id", m.nextID,
		"text_length", len(msg.Text))
	return &Message{MessageID: m.nextID, Chat: Chat{ID: msg.ChatID}, Text: msg.Text}, nil
}

// Send records Markdown text.
func (m *Mock) Send(ctx context.Context, chatID int64, text string) error {
	_, err := m.SendMessage(ctx, &OutgoingMessage{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             ParseModeMarkdown,
		DisableWebPagePreview: true,
	})
	return err
}

// EditMessageText records the edit.
func (m *Mock) EditMessageText(_ context.Context, e *EditMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.edits = append(m.edits, *e)
	m.logger.Info("MOCK TELEGRAM EDIT", "chat_id", e.ChatID, "message_id", e.MessageID, "text_length", len(e.Text))
	return nil
}

// AnswerCallbackQuery records the toast text.
func (m *Mock) AnswerCallbackQuery(_ context.Context, _ string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.answers = append(m.answers, text)
	return nil
}

// SetMyCommands records the command menu.
func (m *Mock) SetMyCommands(_ context.Context, commands []BotCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commands = append([]BotCommand(nil), commands...)
	return nil
}

// GetUpdates never delivers anything; it blocks until ctx is done.
func (m *Mock) GetUpdates(ctx context.Context, _ int64) ([]Update, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// Sent returns a copy of all sent messages.
func (m *Mock) Sent() []OutgoingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutgoingMessage(nil), m.sent...)
}

// Edits returns a copy of all edits.
func (m *Mock) Edits() []EditMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EditMessage(nil), m.edits...)
}

// Answers returns the texts of all callback answers.
func (m *Mock) Answers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.answers...)
}

// Commands returns the last command menu set.
func (m *Mock) Commands() []BotCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BotCommand(nil), m.commands...)
}
