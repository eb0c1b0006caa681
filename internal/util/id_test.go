package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("req")
	if !strings.HasPrefix(id, "req_") || len(id) != len("req_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if NewID("") == NewID("") {
		t.Fatal("expected distinct ids")
	}
}

func TestSessionKey(t *testing.T) {
	if got := SessionKey("nb", "u1"); got != "nb_u1" {
		t.Fatalf("SessionKey(nb, u1) = %q", got)
	}
	if got := SessionKey("nb", ""); got != "nb" {
		t.Fatalf("SessionKey(nb, \"\") = %q", got)
	}
}
