package alerts

import (
	"fmt"
	"math"

	"github.com/Pursuit2703/aviasales-tracker/offers"
	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
)

// Skip reasons recorded for rules that produced no notification and no update.
const (
	ReasonInactive      = "inactive"
	ReasonNoOffer       = "no_offer"
	ReasonNoPrice       = "no_price"
	ReasonInvalidNumber = "invalid_number"
	ReasonNoDrop        = "no_drop"
	ReasonAboveTarget   = "above_target"
	ReasonPanic         = "panic"
)

// RuleOutcome explains why a rule was skipped.
type RuleOutcome struct {
	Reason string
	Detail string
	RuleID int64
}

// Evaluation is the result of evaluating every rule of one origin.
type Evaluation struct {
	Notifications []tracker.Notification
	Updates       []tracker.BaselineUpdate
	Skipped       []RuleOutcome
}

// EvaluateOrigin decides notifications and baseline moves for the rules of one
// origin against its reduced offers. It performs no I/O; a nil, failing or
// panicking renderer yields the plain text fallback. Any other panic while
// evaluating a rule skips only that rule.
func EvaluateOrigin(origin string, rules []*tracker.WatchRule, reduced map[string]tracker.Offer, maps offers.Maps, renderer Renderer) Evaluation {
	var ev Evaluation
	for _, rule := range rules {
		if rule == nil {
			continue
		}
		evaluateRule(&ev, origin, rule, reduced, maps, renderer)
	}
	return ev
}

// isolateRule runs fn for one rule. A panic rolls back whatever fn appended
// and leaves only a skip record.
func isolateRule(ev *Evaluation, ruleID int64, fn func()) {
	notified, updated, skipped := len(ev.Notifications), len(ev.Updates), len(ev.Skipped)
	defer func() {
		if r := recover(); r != nil {
			ev.Notifications = ev.Notifications[:notified]
			ev.Updates = ev.Updates[:updated]
			ev.Skipped = append(ev.Skipped[:skipped], RuleOutcome{RuleID: ruleID, Reason: ReasonPanic, Detail: fmt.Sprint(r)})
		}
	}()
	fn()
}

func evaluateRule(ev *Evaluation, origin string, rule *tracker.WatchRule, reduced map[string]tracker.Offer, maps offers.Maps, renderer Renderer) {
	isolateRule(ev, rule.ID, func() {
		decideRule(ev, origin, rule, reduced, maps, renderer)
	})
}

func decideRule(ev *Evaluation, origin string, rule *tracker.WatchRule, reduced map[string]tracker.Offer, maps offers.Maps, renderer Renderer) {
	skip := func(reason, detail string) {
		ev.Skipped = append(ev.Skipped, RuleOutcome{RuleID: rule.ID, Reason: reason, Detail: detail})
	}

	if !rule.Active {
		skip(ReasonInactive, "")
		return
	}

	offer, ok := reduced[rule.Destination]
	if !ok {
		skip(ReasonNoOffer, rule.Destination)
		return
	}

	current, ok := offer.Amount()
	if !ok {
		skip(ReasonNoPrice, "")
		return
	}

	if rule.LastPrice == nil {
		ev.Updates = append(ev.Updates, tracker.BaselineUpdate{RuleID: rule.ID, Price: current, Bootstrap: true})
		return
	}

	baseline := *rule.LastPrice
	if !tracker.IsFinite(baseline) {
		skip(ReasonInvalidNumber, "baseline")
		return
	}

	if rule.TargetPrice != nil {
		target := *rule.TargetPrice
		if !tracker.IsFinite(target) {
			skip(ReasonInvalidNumber, "target")
			return
		}
		if current > target {
			skip(ReasonAboveTarget, fmt.Sprintf("%v > %v", current, target))
			return
		}
	}

	if current >= baseline {
		skip(ReasonNoDrop, fmt.Sprintf("%v >= %v", current, baseline))
		return
	}

	ev.Notifications = append(ev.Notifications, tracker.Notification{
		UserID:      rule.UserID,
		RuleID:      rule.ID,
		Origin:      origin,
		Destination: rule.Destination,
		Text:        renderMessage(origin, rule.Destination, offer, current, maps, renderer),
		NewPrice:    current,
	})
	ev.Updates = append(ev.Updates, tracker.BaselineUpdate{RuleID: rule.ID, Price: current})
}

// renderMessage falls back to plain text when the renderer fails or panics.
func renderMessage(origin, destination string, offer tracker.Offer, price float64, maps offers.Maps, renderer Renderer) string {
	fallback := fmt.Sprintf("%s → %s: %d", origin, destination, int64(math.Round(price)))
	if renderer == nil {
		return fallback
	}
	card, err := safeCard(renderer, offer, maps, origin)
	if err != nil || card == "" {
		return fallback
	}
	return fmt.Sprintf("💰 Цена изменилась для рейса %s → %s:\n\n%s", origin, destination, card)
}

func safeCard(renderer Renderer, offer tracker.Offer, maps offers.Maps, origin string) (card string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("render card: %v", r)
		}
	}()
	return renderer.Card(offer, maps, origin)
}
