package address

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   []string
		want []string
	}{
		{"plain", []string{"alice@example.com"}, []string{"alice@example.com"}},
		{"display name", []string{`"Alice A." <alice@example.com>`}, []string{"alice@example.com"}},
		{"domain lowercased", []string{"alice@EXAMPLE.COM"}, []string{"alice@example.com"}},
		{"duplicates collapse", []string{"a@x.net", "a@X.NET"}, []string{"a@x.net"}},
		{"malformed dropped", []string{"not-an-address", "b@x.net"}, []string{"b@x.net"}},
		{"empty dropped", []string{"", "  "}, []string{}},
		{"missing domain dropped", []string{"alice@"}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.in...).Slice()
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Normalize(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestSetOps(t *testing.T) {
	a := NewSet("a@x.net", "b@x.net")
	b := NewSet("b@x.net", "c@x.net")

	union := a.Union(b)
	if got := union.Slice(); !reflect.DeepEqual(got, []string{"a@x.net", "b@x.net", "c@x.net"}) {
		t.Errorf("Union = %v", got)
	}

	diff := a.Diff(b)
	if got := diff.Slice(); !reflect.DeepEqual(got, []string{"a@x.net"}) {
		t.Errorf("Diff = %v", got)
	}

	// The inputs must not be mutated.
	if len(a) != 2 || len(b) != 2 {
		t.Errorf("set ops mutated their operands: %v %v", a.Slice(), b.Slice())
	}
}

func TestRoundTrip(t *testing.T) {
	members := NewSet("a@x.net", "b@x.net")
	added := NewSet("c@x.net")

	after := members.Union(added).Diff(added)
	if !reflect.DeepEqual(after.Slice(), members.Slice()) {
		t.Errorf("union then diff changed membership: %v", after.Slice())
	}
}
