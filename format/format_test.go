package format

import (
	"strings"
	"testing"
	"time"

	"github.com/Pursuit2703/aviasales-tracker/offers"
	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
)

func ptr[T any](v T) *T { return &v }

func TestCompactPrice(t *testing.T) {
	tests := []struct {
		amount *float64
		want   string
	}{
		{amount: ptr(1_260_000.0), want: "1.26M uzs"},
		{amount: ptr(310_100.0), want: "310.1k uzs"},
		{amount: ptr(5_000.0), want: "5k uzs"},
		{amount: ptr(950.7), want: "950 uzs"},
		{amount: nil, want: "? uzs"},
	}
	for _, tt := range tests {
		if got := CompactPrice(tt.amount, "uzs"); got != tt.want {
			t.Errorf("CompactPrice(%v) = %q, want %q", tt.amount, got, tt.want)
		}
	}
}

func TestPrice(t *testing.T) {
	tests := []struct {
		v    float64
		want string
	}{
		{v: 0, want: "0"},
		{v: 999, want: "999"},
		{v: 1000, want: "1 000"},
		{v: 1234567.6, want: "1 234 568"},
		{v: -45000, want: "-45 000"},
	}
	for _, tt := range tests {
		if got := Price(tt.v); got != tt.want {
			t.Errorf("Price(%v) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestFormatDateRU(t *testing.T) {
	tests := map[string]string{
		"2025-03-05": "5 марта 2025",
		"2024-12-31": "31 декабря 2024",
		"":           "",
		"05/03/2025": "05/03/2025",
	}
	for in, want := range tests {
		if got := FormatDateRU(in); got != want {
			t.Errorf("FormatDateRU(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDurationAndStops(t *testing.T) {
	if got := Duration(nil); got != "Неизвестно" {
		t.Errorf("Duration(nil) = %q", got)
	}
	if got := Duration(ptr(125)); got != "2ч 5м" {
		t.Errorf("Duration(125) = %q", got)
	}
	if got := Duration(ptr(45)); got != "45м" {
		t.Errorf("Duration(45) = %q", got)
	}

	stops := []struct {
		in   *int
		want string
	}{
		{in: nil, want: ""},
		{in: ptr(0), want: "Прямой рейс"},
		{in: ptr(1), want: "1 пересадка"},
		{in: ptr(3), want: "3 пересадок"},
	}
	for _, tt := range stops {
		if got := Stops(tt.in); got != tt.want {
			t.Errorf("Stops(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSearchLink(t *testing.T) {
	f := New("https://www.aviasales.uz/")

	got := f.SearchLink("TAS", "2025-03-05", "IST", ptr(1500.9), "uzs")

	want := "https://www.aviasales.uz/search/TAS0503IST1?expected_price=1500&expected_price_currency=uzs" +
		"&expected_price_source=share&search_date=05032025&request_source=explore-hot_tickets&utm_source=explore-hot_tickets"
	if got != want {
		t.Errorf("SearchLink() =\n%s\nwant\n%s", got, want)
	}
}

func TestSearchLinkWithoutDateUsesToday(t *testing.T) {
	f := New("")
	f.now = func() time.Time { return time.Date(2025, time.July, 9, 12, 0, 0, 0, time.UTC) }

	got := f.SearchLink("TAS", "", "DXB", nil, "uzs")

	if !strings.HasPrefix(got, DefaultDomain+"/search/TAS0907DXB1?expected_price=&") {
		t.Errorf("SearchLink() = %s", got)
	}
	if !strings.Contains(got, "search_date=09072025") {
		t.Errorf("SearchLink() missing today's date: %s", got)
	}
}

func TestCard(t *testing.T) {
	f := New("")
	maps := offers.Maps{
		Cities:   map[string]string{"IST": "Стамбул", "AYT": "Анталья"},
		Airlines: map[string]string{"TK": "Turkish_Airlines"},
	}
	o := tracker.Offer{
		Price: &tracker.PriceBlock{
			Value:               ptr(1_260_000.0),
			Currency:            "uzs",
			DestinationCityIATA: "IST",
			DepartDate:          "2025-03-05",
			MainAirline:         "TK",
			Duration:            ptr(250),
			NumberOfChanges:     ptr(1),
			TicketLink:          "https://example.com/ticket",
			Segments: []tracker.Segment{{FlightLegs: []tracker.FlightLeg{
				{Origin: "TAS", Destination: "IST", LocalDepartTime: "08:10"},
				{Origin: "IST", Destination: "AYT", LocalArrivalTime: "14:20"},
			}}},
		},
		OldPrice: &tracker.OldPrice{Value: ptr(1_500_000.0)},
	}

	card, err := f.Card(o, maps, "TAS")
	if err != nil {
		t.Fatalf("Card() error = %v", err)
	}

	wantLines := []string{
		"✈️ *Анталья (AYT)*",
		`🛫 Авиакомпания: _Turkish\_Airlines_`,
		"💰 Цена: *1.26M uzs* _(было 1.50M uzs)_",
		"📅 Дата: 5 марта 2025",
		"⏰ Время: 08:10 TAS → 14:20 AYT",
		"🕒 В пути: 4ч 10м / 1 пересадка",
		"",
		"[Подробнее и билеты >](https://example.com/ticket)",
	}
	if card != strings.Join(wantLines, "\n") {
		t.Errorf("Card() =\n%s\nwant\n%s", card, strings.Join(wantLines, "\n"))
	}
}

func TestCardMinimalOffer(t *testing.T) {
	f := New("")
	o := tracker.Offer{Price: &tracker.PriceBlock{
		Value:               ptr(900.0),
		DestinationCityIATA: "DXB",
		DepartDate:          "2025-01-02",
		TicketLink:          "/search/TAS0201DXB1",
	}}

	card, err := f.Card(o, offers.Maps{}, "TAS")
	if err != nil {
		t.Fatalf("Card() error = %v", err)
	}

	if !strings.HasPrefix(card, "✈️ *DXB (DXB)*\n💰 Цена: *900 UZS*\n📅 Дата: 2 января 2025\n🕒 В пути: Неизвестно\n") {
		t.Errorf("unexpected card:\n%s", card)
	}
	if !strings.Contains(card, "(https://www.aviasales.uz/search/TAS0201DXB1?expected_price=900&") {
		t.Errorf("relative ticket link should fall back to search link:\n%s", card)
	}
}

func TestCardWithoutPrice(t *testing.T) {
	if _, err := New("").Card(tracker.Offer{}, offers.Maps{}, "TAS"); err != ErrNoPrice {
		t.Errorf("Card() error = %v, want ErrNoPrice", err)
	}
}

func TestCardsSkipsUnrenderable(t *testing.T) {
	list := []tracker.Offer{
		{},
		{Price: &tracker.PriceBlock{Value: ptr(100.0), DestinationCityIATA: "IST"}},
	}
	if got := New("").Cards(list, offers.Maps{}, "TAS"); len(got) != 1 {
		t.Errorf("Cards() returned %d cards, want 1", len(got))
	}
}
