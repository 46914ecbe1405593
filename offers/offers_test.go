package offers

import (
	"encoding/json"
	"testing"

	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
)

func price(v float64) *float64 { return &v }

func offer(dest string, value *float64) tracker.Offer {
	return tracker.Offer{Price: &tracker.PriceBlock{DestinationCityIATA: dest, Value: value}}
}

func TestReduceKeepsCheapestPerDestination(t *testing.T) {
	input := []tracker.Offer{
		offer("IST", price(900)),
		offer("DXB", price(500)),
		offer("IST", price(700)),
		offer("IST", price(800)),
		offer("DXB", price(650)),
	}

	got := Reduce(input)

	if len(got) != 2 {
		t.Fatalf("Reduce() returned %d destinations, want 2", len(got))
	}
	for dest, want := range map[string]float64{"IST": 700, "DXB": 500} {
		v, ok := got[dest].Amount()
		if !ok || v != want {
			t.Errorf("Reduce()[%s] = %v, want %v", dest, v, want)
		}
	}

	// Property: no input offer for a destination is cheaper than the reduced one.
	for _, o := range input {
		v, _ := o.Amount()
		best, _ := got[o.Destination()].Amount()
		if v < best {
			t.Errorf("offer %v for %s is cheaper than reduced %v", v, o.Destination(), best)
		}
	}
}

func TestReduceTieKeepsFirst(t *testing.T) {
	first := offer("IST", price(500))
	first.Price.TicketLink = "first"
	second := offer("IST", price(500))
	second.Price.TicketLink = "second"

	got := Reduce([]tracker.Offer{first, second})

	if got["IST"].Price.TicketLink != "first" {
		t.Errorf("tie kept %q, want first", got["IST"].Price.TicketLink)
	}
}

func TestReduceDestinationFallbackAndDiscards(t *testing.T) {
	viaLegs := tracker.Offer{Price: &tracker.PriceBlock{
		Value: price(300),
		Segments: []tracker.Segment{
			{FlightLegs: []tracker.FlightLeg{
				{Origin: "TAS", Destination: "IST"},
				{Origin: "IST", Destination: "AYT"},
			}},
			{FlightLegs: []tracker.FlightLeg{{Origin: "AYT", Destination: "TAS"}}},
		},
	}}
	noDestination := tracker.Offer{Price: &tracker.PriceBlock{Value: price(100)}}
	noPrice := offer("MOW", nil)
	noBlock := tracker.Offer{}

	got := Reduce([]tracker.Offer{viaLegs, noDestination, noPrice, noBlock})

	if len(got) != 1 {
		t.Fatalf("Reduce() returned %v, want only AYT", got)
	}
	if _, ok := got["AYT"]; !ok {
		t.Error("destination should fall back to last leg of first segment")
	}
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	input := []tracker.Offer{offer("IST", price(900)), offer("IST", price(100))}
	Reduce(input)

	if v, _ := input[0].Amount(); v != 900 {
		t.Errorf("input[0] mutated: %v", v)
	}
	if len(input) != 2 {
		t.Errorf("input length changed: %d", len(input))
	}
}

func TestReduceDecodedPayload(t *testing.T) {
	body := `{"one_way_offers": [
		{"price": {"value": "1200.5", "destination_city_iata": "IST"}},
		{"price": {"value": 1100, "destination_city_iata": "IST"}},
		{"price": {"value": "n/a", "destination_city_iata": "DXB"}},
		{"price": "broken"}
	]}`
	var p tracker.Payload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", p.Malformed)
	}

	got := Reduce(p.Offers)
	if v, _ := got["IST"].Amount(); v != 1100 {
		t.Errorf("IST = %v, want 1100", v)
	}
	if _, ok := got["DXB"]; ok {
		t.Error("offer with non-numeric value should be discarded")
	}
}

func TestCheapest(t *testing.T) {
	input := []tracker.Offer{
		offer("IST", price(900)),
		offer("DXB", price(500)),
		offer("AYT", price(500)),
		offer("MOW", price(300)),
		offer("IST", price(400)),
	}

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{name: "all", limit: 0, want: []string{"MOW", "IST", "AYT", "DXB"}},
		{name: "limited", limit: 2, want: []string{"MOW", "IST"}},
		{name: "limit above size", limit: 10, want: []string{"MOW", "IST", "AYT", "DXB"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cheapest(input, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("Cheapest() returned %d offers, want %d", len(got), len(tt.want))
			}
			for i, dest := range tt.want {
				if got[i].Destination() != dest {
					t.Errorf("Cheapest()[%d] = %s, want %s", i, got[i].Destination(), dest)
				}
			}
		})
	}
}
