package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testToken = "123:secret"

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(testToken, slog.New(slog.DiscardHandler), WithBaseURL(srv.URL), WithRetryDelay(time.Millisecond))

	var mu sync.Mutex
	slept := []time.Duration{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestSendMessage(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot"+testToken+"/sendMessage" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}
		if body["chat_id"] != float64(42) || body["parse_mode"] != "Markdown" || body["disable_web_page_preview"] != true {
			t.Errorf("unexpected body: %v", body)
		}
		kb, ok := body["reply_markup"].(map[string]any)
		if !ok || kb["inline_keyboard"] == nil {
			t.Errorf("missing keyboard: %v", body["reply_markup"])
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"chat":{"id":42},"text":"hi"}}`)
	})

	msg, err := c.SendMessage(context.Background(), &OutgoingMessage{
		ChatID:                42,
		Text:                  "hi",
		ParseMode:             ParseModeMarkdown,
		DisableWebPagePreview: true,
		ReplyMarkup: &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
			{{Text: "ДАЛЕЕ ▶", CallbackData: "nav_NEXT_0"}},
		}},
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.MessageID != 7 || msg.Chat.ID != 42 {
		t.Errorf("got %+v", msg)
	}
}

func TestRetryHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	c, slept := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"chat":{"id":1}}}`)
	})

	if err := c.Send(context.Background(), 1, "text"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
	if len(*slept) != 1 || (*slept)[0] != 3*time.Second {
		t.Errorf("slept = %v, want [3s]", *slept)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	})

	err := c.Send(context.Background(), 1, "text")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not an APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || !strings.Contains(apiErr.Description, "chat not found") {
		t.Errorf("got %+v", apiErr)
	}
}

func TestRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `<html>bad gateway</html>`)
	})

	err := c.EditMessageText(context.Background(), &EditMessage{ChatID: 1, MessageID: 2, Text: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestTransportErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := New(testToken, slog.New(slog.DiscardHandler), WithBaseURL(base), WithRetryDelay(time.Millisecond))
	err := c.AnswerCallbackQuery(context.Background(), "cb", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("error leaks token: %v", err)
	}
}

func TestGetUpdates(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Offset  int64 `json:"offset"`
			Timeout int   `json:"timeout"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if body.Offset != 10 || body.Timeout != PollTimeout {
			t.Errorf("body = %+v", body)
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":[
			{"update_id":10,"message":{"message_id":1,"from":{"id":5,"first_name":"Ali"},"chat":{"id":5},"text":"/deals IST"}},
			{"update_id":11,"callback_query":{"id":"q1","from":{"id":5},"data":"nav_NEXT_0","message":{"message_id":3,"chat":{"id":5}}}}
		]}`)
	})

	updates, err := c.GetUpdates(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("got %d updates", len(updates))
	}
	if updates[0].Message == nil || updates[0].Message.Text != "/deals IST" || updates[0].Message.From.FirstName != "Ali" {
		t.Errorf("message = %+v", updates[0].Message)
	}
	cb := updates[1].CallbackQuery
	if cb == nil || cb.Data != "nav_NEXT_0" || cb.Message.MessageID != 3 || cb.From.ID != 5 {
		t.Errorf("callback = %+v", cb)
	}
}

func TestSetMyCommands(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Commands []BotCommand `json:"commands"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if len(body.Commands) != 1 || body.Commands[0].Command != "deals" {
			t.Errorf("commands = %+v", body.Commands)
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	})

	if err := c.SetMyCommands(context.Background(), []BotCommand{{Command: "deals", Description: "✈ Лучшие предложения"}}); err != nil {
		t.Fatalf("SetMyCommands: %v", err)
	}
}

func TestMockRecords(t *testing.T) {
	m := NewMock(slog.New(slog.DiscardHandler))
	ctx := context.Background()

	if err := m.Send(ctx, 1, "a"); err != nil {
		t.Fatal(err)
	}
	msg, err := m.SendMessage(ctx, &OutgoingMessage{ChatID: 2, Text: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.MessageID != 2 {
		t.Errorf("message id = %d, want 2", msg.MessageID)
	}
	if sent := m.Sent(); len(sent) != 2 || sent[0].ParseMode != ParseModeMarkdown {
		t.Errorf("sent = %+v", sent)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := m.GetUpdates(cctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("GetUpdates err = %v", err)
	}
}
