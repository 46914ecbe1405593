package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/Pursuit2703/aviasales-tracker/cache"
	"github.com/Pursuit2703/aviasales-tracker/telegram"
)

const (
	// pageSize is the number of items per page.
	pageSize = 5

	navPrefix         = "nav_"
	deleteAlertPrefix = "delalert_"
)

// session is a paginated listing attached to one message.
type session struct {
	Kind      string   `json:"kind"`
	ParseMode string   `json:"parse_mode,omitempty"`
	Origin    string   `json:"origin,omitempty"`
	Pages     []string `json:"pages"`
	Page      int      `json:"page"`
	ChatID    int64    `json:"chat_id"`
	MessageID int64    `json:"message_id"`
}

func sessionKey(userID int64) string {
	return "session:" + strconv.FormatInt(userID, 10)
}

// paginate groups items pageSize at a time, wrapping each page in header and footer.
func paginate(items []string, header, footer, sep string) []string {
	var pages []string
	for i := 0; i < len(items); i += pageSize {
		end := min(i+pageSize, len(items))
		pages = append(pages, header+strings.Join(items[i:end], sep)+footer)
	}
	return pages
}

// pageKeyboard builds the navigation buttons for page idx of total.
func pageKeyboard(idx, total int) *telegram.InlineKeyboardMarkup {
	if total <= 1 {
		return nil
	}
	next := telegram.InlineKeyboardButton{Text: "ДАЛЕЕ ▶", CallbackData: navPrefix + "NEXT_" + strconv.Itoa(idx)}
	back := telegram.InlineKeyboardButton{Text: "◀ НАЗАД", CallbackData: navPrefix + "BACK_" + strconv.Itoa(idx)}

	var row []telegram.InlineKeyboardButton
	switch idx {
	case 0:
		row = []telegram.InlineKeyboardButton{next}
	case total - 1:
		row = []telegram.InlineKeyboardButton{back}
	default:
		row = []telegram.InlineKeyboardButton{back, next}
	}
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{row}}
}

// showPages posts a status message and turns it into the first page of s.
func (h *Handler) showPages(ctx context.Context, msg *telegram.Message, status string, s *session) {
	sent, err := h.messenger.SendMessage(ctx, &telegram.OutgoingMessage{
		ChatID:                msg.Chat.ID,
		Text:                  status,
		DisableWebPagePreview: true,
	})
	if err != nil {
		h.logger.Warn("Failed to send status message", "chat_id", msg.Chat.ID, "error", err)
		return
	}
	s.ChatID = msg.Chat.ID
	s.MessageID = sent.MessageID
	h.openSession(ctx, userID(msg), s)
}

// openSession renders page 0 into the session's message and remembers the session.
func (h *Handler) openSession(ctx context.Context, uid int64, s *session) {
	s.Page = 0
	h.edit(ctx, h.pageEdit(s))
	if err := h.cache.Set(ctx, sessionKey(uid), s, sessionTTL); err != nil {
		h.logger.Warn("Failed to save session", "user_id", uid, "error", err)
	}
}

func (h *Handler) pageEdit(s *session) *telegram.EditMessage {
	return &telegram.EditMessage{
		ChatID:                s.ChatID,
		MessageID:             s.MessageID,
		Text:                  s.Pages[s.Page],
		ParseMode:             s.ParseMode,
		DisableWebPagePreview: true,
		ReplyMarkup:           pageKeyboard(s.Page, len(s.Pages)),
	}
}

func (h *Handler) edit(ctx context.Context, e *telegram.EditMessage) {
	if err := h.messenger.EditMessageText(ctx, e); err != nil {
		h.logger.Warn("Failed to edit message", "chat_id", e.ChatID, "message_id", e.MessageID, "error", err)
	}
}

func (h *Handler) answer(ctx context.Context, id, text string) {
	if err := h.messenger.AnswerCallbackQuery(ctx, id, text); err != nil {
		h.logger.Warn("Failed to answer callback", "callback_id", id, "error", err)
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	switch {
	case strings.HasPrefix(cb.Data, deleteAlertPrefix):
		h.metrics.RecordCommand("delete_alert")
		h.cbDeleteAlert(ctx, cb)
	case strings.HasPrefix(cb.Data, navPrefix):
		h.metrics.RecordCommand("navigate")
		h.cbNavigate(ctx, cb)
	default:
		h.answer(ctx, cb.ID, "")
	}
}

func (h *Handler) cbDeleteAlert(ctx context.Context, cb *telegram.CallbackQuery) {
	ruleID, err := strconv.ParseInt(strings.TrimPrefix(cb.Data, deleteAlertPrefix), 10, 64)
	if err != nil {
		h.answer(ctx, cb.ID, "❗ Нельзя отключить.")
		return
	}

	ok, err := h.store.DisableRule(ctx, ruleID, cb.From.ID)
	if err != nil {
		h.logger.Error("Failed to disable rule", "rule_id", ruleID, "user_id", cb.From.ID, "error", err)
	}
	if err != nil || !ok {
		h.answer(ctx, cb.ID, "❗ Нельзя отключить.")
		return
	}

	h.logger.Info("Watch rule disabled", "rule_id", ruleID, "user_id", cb.From.ID)
	h.answer(ctx, cb.ID, "✅ Оповещение отключено.")
	if cb.Message != nil {
		h.edit(ctx, &telegram.EditMessage{ChatID: cb.Message.Chat.ID, MessageID: cb.Message.MessageID, Text: "❌ Оповещение отключено."})
	}
}

func (h *Handler) cbNavigate(ctx context.Context, cb *telegram.CallbackQuery) {
	key := sessionKey(cb.From.ID)
	var s session
	if err := h.cache.Get(ctx, key, &s); err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			h.logger.Warn("Failed to load session", "user_id", cb.From.ID, "error", err)
		}
		h.answer(ctx, cb.ID, "Сессия не найдена. /deals или /cities снова.")
		return
	}
	if len(s.Pages) == 0 {
		h.answer(ctx, cb.ID, "Сессия не найдена. /deals или /cities снова.")
		return
	}

	action, _, _ := strings.Cut(strings.TrimPrefix(cb.Data, navPrefix), "_")
	cur := s.Page
	var next int
	if action == "NEXT" {
		next = min(len(s.Pages)-1, cur+1)
	} else {
		next = max(0, cur-1)
	}
	if next == cur {
		h.answer(ctx, cb.ID, "")
		return
	}

	s.Page = next
	h.edit(ctx, h.pageEdit(&s))
	if err := h.cache.Set(ctx, key, &s, sessionTTL); err != nil {
		h.logger.Warn("Failed to save session", "user_id", cb.From.ID, "error", err)
	}
	h.answer(ctx, cb.ID, "")
}
