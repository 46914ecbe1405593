// Package format renders offers as Telegram Markdown cards.
package format

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Pursuit2703/aviasales-tracker/offers"
	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
)

// DefaultDomain is the site used for search links.
const DefaultDomain = "https://www.aviasales.uz"

// ErrNoPrice is returned when an offer has no price block to render.
var ErrNoPrice = errors.New("offer has no price block")

var monthsGenitive = [12]string{
	"января", "февраля", "марта", "апреля", "мая", "июня",
	"июля", "августа", "сентября", "октября", "ноября", "декабря",
}

// Formatter renders offer cards.
type Formatter struct {
	now    func() time.Time
	domain string
}

// New creates a new formatter linking to domain.
func New(domain string) *Formatter {
	if domain == "" {
		domain = DefaultDomain
	}
	return &Formatter{domain: domain, now: time.Now}
}

// Card renders one offer departing from origin.
func (f *Formatter) Card(o tracker.Offer, maps offers.Maps, origin string) (string, error) {
	p := o.Price
	if p == nil {
		return "", ErrNoPrice
	}

	dest := p.DestinationCityIATA
	if dest == "" {
		dest = "?"
	}
	destName := maps.City(dest)
	currency := p.Currency
	if currency == "" {
		currency = "UZS"
	}

	departDate := p.DepartDate
	departDisplay := FormatDateRU(departDate)

	originCode := origin
	var departTime, arrivalTime string
	if len(p.Segments) > 0 {
		first := p.Segments[0].FlightLegs
		last := p.Segments[len(p.Segments)-1].FlightLegs
		if len(first) > 0 {
			if first[0].Origin != "" {
				originCode = first[0].Origin
			}
			if first[0].LocalDepartDate != "" {
				departDate = first[0].LocalDepartDate
			}
			departTime = first[0].LocalDepartTime
		}
		if len(last) > 0 {
			leg := last[len(last)-1]
			arrivalTime = leg.LocalArrivalTime
			if leg.Destination != "" {
				dest = leg.Destination
				if name, ok := maps.Cities[dest]; ok && name != "" {
					destName = name
				}
			}
		}
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("✈️ *%s (%s)*", escape(destName), dest))

	if p.MainAirline != "" {
		lines = append(lines, fmt.Sprintf("🛫 Авиакомпания: _%s_", escape(maps.Airline(p.MainAirline))))
	}

	priceLine := "💰 Цена: *" + CompactPrice(p.Value, currency) + "*"
	if o.OldPrice != nil && o.OldPrice.Value != nil {
		priceLine += " _(было " + CompactPrice(o.OldPrice.Value, currency) + ")_"
	}
	lines = append(lines, priceLine)

	if departDisplay != "" {
		lines = append(lines, "📅 Дата: "+departDisplay)
	}
	if departTime != "" || arrivalTime != "" {
		lines = append(lines, fmt.Sprintf("⏰ Время: %s %s → %s %s",
			orUnknownTime(departTime), originCode, orUnknownTime(arrivalTime), dest))
	}

	travel := "🕒 В пути: " + Duration(p.Duration)
	if stops := Stops(p.NumberOfChanges); stops != "" {
		travel += " / " + stops
	}
	lines = append(lines, travel)

	link := p.TicketLink
	if !strings.HasPrefix(link, "http") {
		link = f.SearchLink(originCode, departDate, dest, p.Value, currency)
	}
	lines = append(lines, "", "[Подробнее и билеты >]("+link+")")

	return strings.Join(lines, "\n"), nil
}

// Cards renders every offer, skipping those that cannot be rendered.
func (f *Formatter) Cards(list []tracker.Offer, maps offers.Maps, origin string) []string {
	cards := make([]string, 0, len(list))
	for _, o := range list {
		card, err := f.Card(o, maps, origin)
		if err != nil {
			continue
		}
		cards = append(cards, card)
	}
	return cards
}

// SearchLink builds a search URL used when the offer carries no absolute ticket link.
func (f *Formatter) SearchLink(origin, departDate, dest string, value *float64, currency string) string {
	dd := ddmmyyyy(departDate)
	if dd == "" {
		dd = f.now().Format("02012006")
	}

	expected := ""
	if value != nil && *value != 0 {
		expected = strconv.FormatInt(int64(*value), 10)
	}

	params := [][2]string{
		{"expected_price", expected},
		{"expected_price_currency", currency},
		{"expected_price_source", "share"},
		{"search_date", dd},
		{"request_source", "explore-hot_tickets"},
		{"utm_source", "explore-hot_tickets"},
	}
	pairs := make([]string, len(params))
	for i, kv := range params {
		pairs[i] = url.QueryEscape(kv[0]) + "=" + url.QueryEscape(kv[1])
	}

	return strings.TrimRight(f.domain, "/") + "/search/" + origin + dd[:4] + dest + "1?" + strings.Join(pairs, "&")
}

// CompactPrice renders amounts like "1.26M uzs", "310.1k uzs", "5k uzs" or "950 uzs".
func CompactPrice(amount *float64, currency string) string {
	if amount == nil || !tracker.IsFinite(*amount) {
		return "? " + currency
	}
	a := *amount
	switch {
	case a >= 1_000_000:
		return fmt.Sprintf("%.2fM %s", a/1_000_000, currency)
	case a >= 1_000:
		if math.Mod(a, 1000) != 0 {
			return fmt.Sprintf("%.1fk %s", a/1000, currency)
		}
		return fmt.Sprintf("%dk %s", int64(a/1000), currency)
	default:
		return fmt.Sprintf("%d %s", int64(a), currency)
	}
}

// Price renders a rounded amount with space-separated thousands.
func Price(v float64) string {
	n := int64(math.Round(v))
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	digits := strconv.FormatInt(n, 10)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return sign + b.String()
}

// FormatDateRU converts YYYY-MM-DD into "5 марта 2025". Unparseable input is returned as is.
func FormatDateRU(ymd string) string {
	if ymd == "" {
		return ""
	}
	t, err := time.Parse(time.DateOnly, ymd)
	if err != nil {
		return ymd
	}
	return fmt.Sprintf("%d %s %d", t.Day(), monthsGenitive[t.Month()-1], t.Year())
}

// Duration renders minutes as "2ч 5м" or "45м".
func Duration(minutes *int) string {
	if minutes == nil {
		return "Неизвестно"
	}
	m := *minutes
	if m >= 60 {
		return fmt.Sprintf("%dч %dм", m/60, m%60)
	}
	return fmt.Sprintf("%dм", m)
}

// Stops renders the number of changes. Unknown yields an empty string.
func Stops(changes *int) string {
	if changes == nil {
		return ""
	}
	switch n := *changes; n {
	case 0:
		return "Прямой рейс"
	case 1:
		return "1 пересадка"
	default:
		return fmt.Sprintf("%d пересадок", n)
	}
}

func ddmmyyyy(ymd string) string {
	t, err := time.Parse(time.DateOnly, ymd)
	if err != nil {
		return ""
	}
	return t.Format("02012006")
}

func orUnknownTime(s string) string {
	if s == "" {
		return "??:??"
	}
	return s
}

var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

// escape protects user-visible names from Telegram Markdown.
func escape(s string) string {
	return markdownEscaper.Replace(s)
}
