package bot

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/Pursuit2703/aviasales-tracker/cache"
	"github.com/Pursuit2703/aviasales-tracker/format"
	"github.com/Pursuit2703/aviasales-tracker/offers"
	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
	"github.com/Pursuit2703/aviasales-tracker/storage"
	"github.com/Pursuit2703/aviasales-tracker/telegram"
)

// fallbackCities is shown when the API returns no city metadata.
var fallbackCities = map[string]string{
	"TAS": "Ташкент",
	"MOW": "Москва",
	"IST": "Стамбул",
	"DXB": "Дубай",
	"AYT": "Анталья",
}

func (h *Handler) cmdStart(ctx context.Context, msg *telegram.Message) {
	name := "друг"
	if msg.From != nil && msg.From.FirstName != "" {
		name = msg.From.FirstName
	}
	intro := fmt.Sprintf("👋 Привет, %s!\n\n", name) +
		"Я — ваш помощник по авиабилетам ✈️\n" +
		"Команды для старта:\n" +
		"✈ /deals IATA — лучшие предложения из города\n" +
		"🌍 /cities — список городов\n" +
		"🔔 /subscribe IATA [HH] [MM] — ежедневные предложения\n" +
		"❌ /unsubscribe — отменить подписку\n" +
		"💰 /alert ORIGIN DESTINATION [Цель] — оповещение о цене\n" +
		"📋 /myalerts — активные оповещения"
	h.reply(ctx, msg, intro)
}

func (h *Handler) cmdUnsubscribe(ctx context.Context, msg *telegram.Message) {
	n, err := h.store.DisableSubscriptions(ctx, userID(msg))
	if err != nil {
		h.logger.Error("Failed to disable subscriptions", "user_id", userID(msg), "error", err)
		h.reply(ctx, msg, "❗ Не удалось отменить подписку. Попробуйте позже.")
		return
	}
	if n == 0 {
		h.reply(ctx, msg, "❌ У вас нет активных подписок.")
		return
	}
	h.reply(ctx, msg, "✅ Ваша подписка отменена.")
}

// cities returns the city list, refreshed from the default origin at most every citiesTTL.
func (h *Handler) cities(ctx context.Context) map[string]string {
	key := "cities:" + h.defaultOrigin
	list, err := cache.GetOrRefresh(ctx, h.cache, key, citiesTTL, func(ctx context.Context) (map[string]string, error) {
		res := h.fetch(ctx, h.defaultOrigin)
		if res.Payload == nil {
			return fallbackCities, nil
		}
		m := offers.BuildMaps(res.Payload, h.locale).Cities
		if len(m) == 0 {
			return fallbackCities, nil
		}
		return m, nil
	})
	if err != nil {
		return fallbackCities
	}
	return list
}

func (h *Handler) cmdCities(ctx context.Context, msg *telegram.Message) {
	list := h.cities(ctx)

	items := make([]string, 0, len(list))
	for _, code := range slices.Sorted(maps.Keys(list)) {
		items = append(items, fmt.Sprintf("✈ %s — %s", code, list[code]))
	}
	pages := paginate(items, "🌍 Доступные города и IATA-коды\n\n", "\n\nЧтобы искать билеты: /deals "+h.defaultOrigin, "\n")
	if len(pages) == 0 {
		h.reply(ctx, msg, "Нет доступных городов.")
		return
	}

	h.showPages(ctx, msg, "Генерирую список городов...", &session{Kind: "cities", Pages: pages})
}

func (h *Handler) cmdDeals(ctx context.Context, msg *telegram.Message, args []string) {
	origin := h.defaultOrigin
	if len(args) >= 1 {
		origin = strings.ToUpper(args[0])
	}
	if !iataRegex.MatchString(origin) {
		h.reply(ctx, msg, "Неверный IATA-код: "+origin)
		return
	}
	limit := defaultDealsLimit
	if len(args) >= 2 {
		if n, err := strconv.Atoi(args[1]); err == nil {
			limit = min(maxDealsLimit, max(1, n))
		}
	}

	status, err := h.messenger.SendMessage(ctx, &telegram.OutgoingMessage{
		ChatID:                msg.Chat.ID,
		Text:                  fmt.Sprintf("Ищу предложения из %s...", origin),
		DisableWebPagePreview: true,
	})
	if err != nil {
		h.logger.Warn("Failed to send status message", "chat_id", msg.Chat.ID, "error", err)
		return
	}

	res := h.fetch(ctx, origin)
	var cards []string
	var meta offers.Maps
	if res.Payload != nil {
		meta = offers.BuildMaps(res.Payload, h.locale)
		cards = h.renderer.Cards(offers.Cheapest(res.Payload.Offers, limit), meta, origin)
	}
	if len(cards) == 0 {
		h.edit(ctx, &telegram.EditMessage{ChatID: msg.Chat.ID, MessageID: status.MessageID, Text: "Предложения не найдены."})
		return
	}

	header := fmt.Sprintf("🌍 Предложения из %s (%s)\n\n", meta.City(origin), origin)
	pages := paginate(cards, header, "\n\nЧтобы изменить город, используйте: /deals IST", "\n\n")
	s := &session{
		Kind:      "deals",
		Pages:     pages,
		ParseMode: telegram.ParseModeMarkdown,
		Origin:    origin,
		ChatID:    msg.Chat.ID,
		MessageID: status.MessageID,
	}
	h.openSession(ctx, userID(msg), s)
}

func (h *Handler) cmdSubscribe(ctx context.Context, msg *telegram.Message, args []string) {
	origin := h.defaultOrigin
	if len(args) >= 1 {
		origin = strings.ToUpper(args[0])
	}
	if !iataRegex.MatchString(origin) {
		h.reply(ctx, msg, "Неверный IATA-код: "+origin)
		return
	}
	hour, minute := 10, 0
	if len(args) >= 2 {
		if n, err := strconv.Atoi(args[1]); err == nil {
			hour = n
		}
	}
	if len(args) >= 3 {
		if n, err := strconv.Atoi(args[2]); err == nil {
			minute = n
		}
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		h.reply(ctx, msg, "Использование: /subscribe IATA [HH] [MM], где HH от 0 до 23, MM от 0 до 59")
		return
	}

	uid := userID(msg)
	if _, err := h.store.DisableSubscriptions(ctx, uid); err != nil {
		h.logger.Error("Failed to disable previous subscriptions", "user_id", uid, "error", err)
		h.reply(ctx, msg, "❗ Не удалось оформить подписку. Попробуйте позже.")
		return
	}
	id, err := h.store.AddSubscription(ctx, &tracker.Subscription{UserID: uid, Origin: origin, Hour: hour, Minute: minute})
	if err != nil {
		h.logger.Error("Failed to add subscription", "user_id", uid, "origin", origin, "error", err)
		h.reply(ctx, msg, "❗ Не удалось оформить подписку. Попробуйте позже.")
		return
	}

	h.logger.Info("Subscription created", "subscription_id", id, "user_id", uid, "origin", origin, "hour", hour, "minute", minute)
	h.reply(ctx, msg, fmt.Sprintf("✅ Подписка на предложения из %s в %02d:%02d установлена.", origin, hour, minute))
}

func (h *Handler) cmdAlert(ctx context.Context, msg *telegram.Message, args []string) {
	if len(args) < 2 {
		h.reply(ctx, msg, "Использование: /alert ORIGIN DESTINATION [TARGET_PRICE]")
		return
	}
	origin, destination := strings.ToUpper(args[0]), strings.ToUpper(args[1])
	if !iataRegex.MatchString(origin) || !iataRegex.MatchString(destination) {
		h.reply(ctx, msg, "Неверный IATA-код. Пример: /alert TAS IST 1500000")
		return
	}

	var target *float64
	if len(args) >= 3 {
		v, err := strconv.ParseFloat(strings.ReplaceAll(args[2], ",", "."), 64)
		if err != nil || !tracker.IsFinite(v) || v <= 0 {
			h.reply(ctx, msg, "Цель должна быть положительным числом.")
			return
		}
		target = &v
	}

	uid := userID(msg)
	exists, err := h.store.RuleExists(ctx, uid, origin, destination)
	if err != nil {
		h.logger.Error("Failed to check existing rule", "user_id", uid, "error", err)
		h.reply(ctx, msg, "❗ Не удалось создать оповещение. Попробуйте позже.")
		return
	}
	if exists {
		h.reply(ctx, msg, fmt.Sprintf("⚠ Уже есть активное оповещение для %s → %s. /myalerts", origin, destination))
		return
	}

	// Seed the baseline with the current price so the first drop is noticed.
	var last *float64
	if res := h.fetch(ctx, origin); res.Payload != nil {
		if o, ok := offers.Reduce(res.Payload.Offers)[destination]; ok {
			if v, ok := o.Amount(); ok {
				last = &v
			}
		}
	}

	id, err := h.store.AddRule(ctx, &tracker.WatchRule{
		UserID:      uid,
		Origin:      origin,
		Destination: destination,
		TargetPrice: target,
		LastPrice:   last,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		h.reply(ctx, msg, fmt.Sprintf("⚠ Уже есть активное оповещение для %s → %s. /myalerts", origin, destination))
		return
	}
	if err != nil {
		h.logger.Error("Failed to add rule", "user_id", uid, "origin", origin, "destination", destination, "error", err)
		h.reply(ctx, msg, "❗ Не удалось создать оповещение. Попробуйте позже.")
		return
	}

	h.logger.Info("Watch rule created", "rule_id", id, "user_id", uid, "origin", origin, "destination", destination)

	var b strings.Builder
	fmt.Fprintf(&b, "✅ Оповещение установлено: %s → %s", origin, destination)
	if target != nil {
		fmt.Fprintf(&b, " (цель ≤ %s)", h.price(target))
	}
	fmt.Fprintf(&b, "\n💰 Текущая цена: %s", h.priceOr(last, "N/A"))
	fmt.Fprintf(&b, "\nID оповещения: %d", id)
	h.reply(ctx, msg, b.String())
}

func (h *Handler) cmdMyAlerts(ctx context.Context, msg *telegram.Message) {
	rules, err := h.store.ListUserRules(ctx, userID(msg), true)
	if err != nil {
		h.logger.Error("Failed to list rules", "user_id", userID(msg), "error", err)
		h.reply(ctx, msg, "❗ Не удалось загрузить оповещения. Попробуйте позже.")
		return
	}
	if len(rules) == 0 {
		h.reply(ctx, msg, "У вас нет активных оповещений.")
		return
	}

	for _, r := range rules {
		text := fmt.Sprintf("🔔 ID %d — %s → %s\nБазовая: %s | Цель: %s",
			r.ID, r.Origin, r.Destination, h.priceOr(r.LastPrice, "N/A"), h.priceOr(r.TargetPrice, "—"))
		_, err := h.messenger.SendMessage(ctx, &telegram.OutgoingMessage{
			ChatID: msg.Chat.ID,
			Text:   text,
			ReplyMarkup: &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
				{{Text: "❌ Удалить", CallbackData: fmt.Sprintf("%s%d", deleteAlertPrefix, r.ID)}},
			}},
		})
		if err != nil {
			h.logger.Warn("Failed to send rule", "rule_id", r.ID, "chat_id", msg.Chat.ID, "error", err)
		}
	}
}

// price renders "1 234 567 uzs".
func (h *Handler) price(v *float64) string {
	return format.Price(*v) + " " + h.query.Currency
}

func (h *Handler) priceOr(v *float64, missing string) string {
	if v == nil || *v == 0 {
		return missing
	}
	return h.price(v)
}
