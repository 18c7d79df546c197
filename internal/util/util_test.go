package util

import (
	"testing"

	"github.com/juju/errors"
)

func TestValidatePort(t *testing.T) {
	for _, p := range []int{1, 22, 65535} {
		if err := ValidatePort(p); err != nil {
			t.Fatalf("port %d: unexpected error %v", p, err)
		}
	}
	for _, p := range []int{0, -1, 65536} {
		if err := ValidatePort(p); !errors.Is(err, errors.NotValid) {
			t.Fatalf("port %d: expected NotValid, got %v", p, err)
		}
	}
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"alpha", "site-2", "db_main", "A1"} {
		if err := ValidateID(id); err != nil {
			t.Fatalf("%q: %v", id, err)
		}
	}
	for _, id := range []string{"", "../etc", "a b", "x/y", "a.json"} {
		if err := ValidateID(id); !errors.Is(err, errors.NotValid) {
			t.Fatalf("%q: expected NotValid, got %v", id, err)
		}
	}
}

func TestPluralAndEmptyDash(t *testing.T) {
	if got := Plural(1, "tunnel", "tunnels"); got != "1 tunnel" {
		t.Fatalf("got %q", got)
	}
	if got := Plural(3, "tunnel", "tunnels"); got != "3 tunnels" {
		t.Fatalf("got %q", got)
	}
	if EmptyDash("  ") != "-" || EmptyDash("x") != "x" {
		t.Fatal("unexpected EmptyDash result")
	}
}
