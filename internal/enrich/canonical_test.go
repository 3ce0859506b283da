package enrich

import "testing"

func TestCanonical_Folding(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Château Margaux", "chateau margaux"},
		{"CHATEAU  MARGAUX", "chateau margaux"},
		{"  Domaine de la Romanée-Conti ", "domaine de la romanee-conti"},
		{"Müller-Catoir", "muller-catoir"},
		{"Penfolds", "penfolds"},
		{"", ""},
	}
	for _, c := range cases {
		if got := Canonical(c.in); got != c.want {
			t.Errorf("Canonical(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCanonical_Idempotent(t *testing.T) {
	inputs := []string{"Château d'Yquem", "Weingut Dr. Bürklin-Wolf", "ca' del bosco"}
	for _, in := range inputs {
		once := Canonical(in)
		if twice := Canonical(once); twice != once {
			t.Errorf("Canonical not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestNewKey_Idempotent(t *testing.T) {
	k := NewKey("Château Margaux", "Château Margaux", "2015")
	again := NewKey(k.Producer, k.WineName, k.Vintage)
	if k != again {
		t.Fatalf("NewKey not idempotent: %v != %v", k, again)
	}
}

func TestNewKey_FoldsVariants(t *testing.T) {
	a := NewKey("Château Margaux", "Grand Vin", "2015")
	b := NewKey("chateau  MARGAUX", "grand vin ", "2015")
	if a != b {
		t.Fatalf("variant keys differ: %v vs %v", a, b)
	}
}
