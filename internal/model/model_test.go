package model

import "testing"

func TestReservationOverlaps(t *testing.T) {
	res := Reservation{CheckIn: 1701388800, Nights: 3}
	end := res.CheckOutTS()

	if end != 1701388800+3*SecondsPerDay {
		t.Fatalf("check-out = %d, want %d", end, 1701388800+3*SecondsPerDay)
	}

	tests := []struct {
		name  string
		start int64
		end   int64
		want  bool
	}{
		{name: "identical interval", start: res.CheckIn, end: end, want: true},
		{name: "starts inside", start: res.CheckIn + SecondsPerDay, end: end + SecondsPerDay, want: true},
		{name: "ends inside", start: res.CheckIn - SecondsPerDay, end: res.CheckIn + SecondsPerDay, want: true},
		{name: "covers whole stay", start: res.CheckIn - SecondsPerDay, end: end + SecondsPerDay, want: true},
		{name: "adjacent before", start: res.CheckIn - 2*SecondsPerDay, end: res.CheckIn, want: false},
		{name: "adjacent after", start: end, end: end + SecondsPerDay, want: false},
		{name: "far away", start: end + 10*SecondsPerDay, end: end + 12*SecondsPerDay, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := res.Overlaps(tt.start, tt.end); got != tt.want {
				t.Fatalf("Overlaps(%d, %d) = %v, want %v", tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func TestPasscodeString(t *testing.T) {
	p := Passcode{1, 1, 1, 1, 1, 1}
	if p.String() != "111111" {
		t.Fatalf("String() = %q, want %q", p.String(), "111111")
	}

	q := Passcode{0, 9, 3, 7, 2, 5}
	if q.String() != "093725" {
		t.Fatalf("String() = %q, want %q", q.String(), "093725")
	}
}
