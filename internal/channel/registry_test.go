package channel

import (
	"errors"
	"testing"
)

func TestRegistryCredentialUniqueness(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := &connectionEntry{session: Session{ID: "a", Credential: "tok"}}
	if _, err := r.add(a); err != nil {
		t.Fatalf("add a: %v", err)
	}

	existing, err := r.add(&connectionEntry{session: Session{ID: "b", Credential: " tok "}})
	if !errors.Is(err, ErrDuplicateCredential) {
		t.Fatalf("expected ErrDuplicateCredential, got %v", err)
	}
	if existing != a {
		t.Fatal("expected the holder entry to be returned")
	}

	existing, err = r.add(&connectionEntry{session: Session{ID: "a", Credential: "other"}})
	if !errors.Is(err, errSessionExists) || existing != a {
		t.Fatalf("expected errSessionExists, got %v", err)
	}
}

func TestRegistryRemoveEntryGuardsIdentity(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := &connectionEntry{session: Session{ID: "a", Credential: "tok"}}
	second := &connectionEntry{session: Session{ID: "a", Credential: "tok"}}
	if _, err := r.add(first); err != nil {
		t.Fatalf("add: %v", err)
	}
	if r.removeEntry("a", second) {
		t.Fatal("removed an entry that is not registered")
	}
	if !r.removeEntry("a", first) {
		t.Fatal("expected removal")
	}
	if _, ok := r.Holder("tok"); ok {
		t.Fatal("credential not released")
	}
	if r.remove("a") != nil {
		t.Fatal("second remove should be a no-op")
	}
}

func TestRegistryLookupReturnsCopy(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if _, err := r.add(&connectionEntry{session: Session{
		ID:           "a",
		Credential:   "tok",
		ChatEntities: map[string]string{"1": "x"},
	}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	session, err := r.Lookup("a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	session.ChatEntities["1"] = "mutated"
	again, _ := r.Lookup("a")
	if again.ChatEntities["1"] != "x" {
		t.Fatal("lookup leaked internal map")
	}
	if !r.setChatEntities("a", map[string]string{"2": "y"}) {
		t.Fatal("setChatEntities failed")
	}
	again, _ = r.Lookup("a")
	if _, ok := again.ChatEntities["1"]; ok || again.ChatEntities["2"] != "y" {
		t.Fatalf("unexpected mapping: %v", again.ChatEntities)
	}
	if _, err := r.Lookup("b"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
