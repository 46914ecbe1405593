// Package telegram is a small Telegram Bot API client.
package telegram

import (
	"fmt"
	"net/http"
)

// ParseModeMarkdown selects Telegram's legacy Markdown.
const ParseModeMarkdown = "Markdown"

// Update is one incoming event from getUpdates.
type Update struct {
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
	UpdateID      int64          `json:"update_id"`
}

// Message is a chat message.
type Message struct {
	From      *User  `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
	Chat      Chat   `json:"chat"`
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date"`
}

// User is a Telegram account.
type User struct {
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
	ID        int64  `json:"id"`
}

// Chat identifies where a message was posted.
type Chat struct {
	Type string `json:"type,omitempty"`
	ID   int64  `json:"id"`
}

// CallbackQuery is a press on an inline keyboard button.
type CallbackQuery struct {
	Message *Message `json:"message,omitempty"`
	ID      string   `json:"id"`
	Data    string   `json:"data,omitempty"`
	From    User     `json:"from"`
}

// InlineKeyboardMarkup is a keyboard attached to a message.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// InlineKeyboardButton is one keyboard button.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
}

// BotCommand is an entry of the bot's command menu.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// OutgoingMessage holds sendMessage parameters.
type OutgoingMessage struct {
	ReplyMarkup           *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
	Text                  string                `json:"text"`
	ParseMode             string                `json:"parse_mode,omitempty"`
	ChatID                int64                 `json:"chat_id"`
	ReplyToMessageID      int64                 `json:"reply_to_message_id,omitempty"`
	DisableWebPagePreview bool                  `json:"disable_web_page_preview,omitempty"`
}

// EditMessage holds editMessageText parameters.
type EditMessage struct {
	ReplyMarkup           *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
	Text                  string                `json:"text"`
	ParseMode             string                `json:"parse_mode,omitempty"`
	ChatID                int64                 `json:"chat_id"`
	MessageID             int64                 `json:"message_id"`
	DisableWebPagePreview bool                  `json:"disable_web_page_preview,omitempty"`
}

// APIError is a failed Bot API call.
type APIError struct {
	Description string
	StatusCode  int
	RetryAfter  int // Seconds; set on 429
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("telegram: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("telegram: HTTP %d: %s", e.StatusCode, e.Description)
}

// Temporary reports whether the call may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}
