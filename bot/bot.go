// Package bot handles chat commands and inline button presses.
package bot

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/Pursuit2703/aviasales-tracker/cache"
	"github.com/Pursuit2703/aviasales-tracker/fetcher"
	"github.com/Pursuit2703/aviasales-tracker/observability"
	"github.com/Pursuit2703/aviasales-tracker/offers"
	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
	"github.com/Pursuit2703/aviasales-tracker/telegram"
)

const (
	citiesTTL  = 10 * time.Minute
	sessionTTL = time.Hour

	defaultDealsLimit = 20
	maxDealsLimit     = 100
)

var iataRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// Messenger interface for talking to chats.
type Messenger interface {
	SendMessage(ctx context.Context, m *telegram.OutgoingMessage) (*telegram.Message, error)
	EditMessageText(ctx context.Context, m *telegram.EditMessage) error
	AnswerCallbackQuery(ctx context.Context, id, text string) error
	SetMyCommands(ctx context.Context, commands []telegram.BotCommand) error
}

// UpdateSource interface for long polling.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64) ([]telegram.Update, error)
}

// Store interface for rule and subscription management.
type Store interface {
	AddRule(ctx context.Context, rule *tracker.WatchRule) (int64, error)
	RuleExists(ctx context.Context, userID int64, origin, destination string) (bool, error)
	ListUserRules(ctx context.Context, userID int64, activeOnly bool) ([]*tracker.WatchRule, error)
	DisableRule(ctx context.Context, ruleID, userID int64) (bool, error)
	AddSubscription(ctx context.Context, sub *tracker.Subscription) (int64, error)
	DisableSubscriptions(ctx context.Context, userID int64) (int, error)
}

// Fetcher interface for retrieving offers of one origin.
type Fetcher interface {
	Fetch(ctx context.Context, q fetcher.Query) fetcher.Result
}

// Renderer interface for turning offers into cards.
type Renderer interface {
	Card(offer tracker.Offer, maps offers.Maps, origin string) (string, error)
	// Cards renders a list, skipping offers that cannot be rendered.
	Cards(list []tracker.Offer, maps offers.Maps, origin string) []string
}

// Config holds the handler's collaborators.
type Config struct {
	Messenger     Messenger
	Store         Store
	Fetcher       Fetcher
	Renderer      Renderer
	Cache         cache.Cache // Sessions and the city list; defaults to memory
	Metrics       *observability.Metrics
	Logger        *slog.Logger
	Query         fetcher.Query
	Locale        string
	DefaultOrigin string
}

// Handler dispatches updates to command handlers.
type Handler struct {
	messenger     Messenger
	store         Store
	fetcher       Fetcher
	renderer      Renderer
	cache         cache.Cache
	metrics       *observability.Metrics
	logger        *slog.Logger
	query         fetcher.Query
	locale        string
	defaultOrigin string
	pollBackoff   time.Duration
}

// New creates a new update handler.
func New(cfg *Config) *Handler {
	h := &Handler{
		messenger:     cfg.Messenger,
		store:         cfg.Store,
		fetcher:       cfg.Fetcher,
		renderer:      cfg.Renderer,
		cache:         cfg.Cache,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		query:         cfg.Query,
		locale:        cfg.Locale,
		defaultOrigin: cfg.DefaultOrigin,
		pollBackoff:   3 * time.Second,
	}
	if h.cache == nil {
		h.cache = cache.NewMemory()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.locale == "" {
		h.locale = "ru"
	}
	if h.defaultOrigin == "" {
		h.defaultOrigin = "TAS"
	}
	if h.query.Currency == "" {
		h.query.Currency = "uzs"
	}
	return h
}

// Commands is the bot's command menu.
func Commands() []telegram.BotCommand {
	return []telegram.BotCommand{
		{Command: "start", Description: "✅ Запустить бота"},
		{Command: "help", Description: "♻️ Помощь"},
		{Command: "deals", Description: "✈ Лучшие предложения"},
		{Command: "cities", Description: "🌍 Список городов"},
		{Command: "subscribe", Description: "🔔 Подписка на ежедневные предложения"},
		{Command: "unsubscribe", Description: "❌ Отписка от ежедневных предложений"},
		{Command: "alert", Description: "💰 Создать оповещение о цене"},
		{Command: "myalerts", Description: "📋 Мои оповещения"},
	}
}

// RegisterCommands publishes the command menu.
func (h *Handler) RegisterCommands(ctx context.Context) error {
	return h.messenger.SetMyCommands(ctx, Commands())
}

// Run long-polls src and handles updates one at a time until ctx is done.
func (h *Handler) Run(ctx context.Context, src UpdateSource) error {
	h.logger.Info("Bot started, listening for updates")

	var offset int64
	for {
		updates, err := src.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.logger.Warn("Failed to get updates", "error", err, "backoff", h.pollBackoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(h.pollBackoff):
			}
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			h.Handle(ctx, u)
		}
	}
}

// Handle processes one update. Panics are recovered and logged.
func (h *Handler) Handle(ctx context.Context, u telegram.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("Update handler panicked", "update_id", u.UpdateID, "panic", rec)
		}
	}()

	switch {
	case u.CallbackQuery != nil:
		h.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		h.handleMessage(ctx, u.Message)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *telegram.Message) {
	command, args := parseCommand(msg.Text)
	if command == "" {
		return
	}

	h.metrics.RecordCommand(command)
	h.logger.Info("Command received", "command", command, "user_id", userID(msg), "args", len(args))

	switch command {
	case "start", "help":
		h.cmdStart(ctx, msg)
	case "unsubscribe":
		h.cmdUnsubscribe(ctx, msg)
	case "cities":
		h.cmdCities(ctx, msg)
	case "deals":
		h.cmdDeals(ctx, msg, args)
	case "subscribe":
		h.cmdSubscribe(ctx, msg, args)
	case "alert":
		h.cmdAlert(ctx, msg, args)
	case "myalerts":
		h.cmdMyAlerts(ctx, msg)
	default:
		h.logger.Debug("Unknown command", "command", command)
	}
}

// parseCommand splits "/deals@bot IST 10" into "deals" and ["IST", "10"].
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	command := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(command, '@'); i >= 0 {
		command = command[:i]
	}
	return strings.ToLower(command), fields[1:]
}

// userID prefers the sender's id; channel posts carry only the chat.
func userID(msg *telegram.Message) int64 {
	if msg.From != nil {
		return msg.From.ID
	}
	return msg.Chat.ID
}

func (h *Handler) reply(ctx context.Context, msg *telegram.Message, text string) {
	_, err := h.messenger.SendMessage(ctx, &telegram.OutgoingMessage{
		ChatID:                msg.Chat.ID,
		Text:                  text,
		ReplyToMessageID:      msg.MessageID,
		DisableWebPagePreview: true,
	})
	if err != nil {
		h.logger.Warn("Failed to reply", "chat_id", msg.Chat.ID, "error", err)
	}
}

func (h *Handler) fetch(ctx context.Context, origin string) fetcher.Result {
	q := h.query
	q.Origin = origin

	start := time.Now()
	res := h.fetcher.Fetch(ctx, q)
	h.metrics.RecordFetch(res.Variant, time.Since(start).Seconds())
	return res
}
