package idhash

import "testing"

func TestClientOrderID(t *testing.T) {
	tests := []struct {
		name   string
		a      []string
		b      []string
		wantEq bool
	}{
		{name: "same fields", a: []string{"AAPL", "buy", "100"}, b: []string{"AAPL", "buy", "100"}, wantEq: true},
		{name: "different qty", a: []string{"AAPL", "buy", "100"}, b: []string{"AAPL", "buy", "101"}},
		{name: "field boundary", a: []string{"AA", "PL"}, b: []string{"A", "APL"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := ClientOrderID(tc.a...)
			b := ClientOrderID(tc.b...)
			if len(a) != Length {
				t.Fatalf("len=%d want=%d", len(a), Length)
			}
			if (a == b) != tc.wantEq {
				t.Fatalf("a=%s b=%s wantEq=%v", a, b, tc.wantEq)
			}
		})
	}
}
