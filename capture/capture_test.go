package capture

import (
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/pinwatch/watchlist"
)

func TestAddFragment_Dedup(t *testing.T) {
	s := Begin("https://example.com", "Example")

	var seen []string
	s.Observe(func(f watchlist.Fragment) { seen = append(seen, f.Locator) })

	if !s.AddFragment("id('a')", "  first  ") {
		t.Fatal("first add: want true")
	}
	if s.AddFragment("id('a')", "other text") {
		t.Fatal("duplicate add: want false")
	}
	if !s.AddFragment("/html[1]/body[1]/p[1]", "second") {
		t.Fatal("second locator: want true")
	}

	frags := s.Fragments()
	if len(frags) != 2 {
		t.Fatalf("fragments = %d, want 2", len(frags))
	}
	if frags[0].LastKnownText != "first" {
		t.Errorf("text not trimmed or overwritten: %q", frags[0].LastKnownText)
	}
	if len(seen) != 2 {
		t.Fatalf("observer calls = %d, want 2 (only new fragments)", len(seen))
	}
}

func TestFinalize(t *testing.T) {
	s := Begin("https://example.com", "Example")
	if _, err := s.Finalize(); !errors.Is(err, ErrEmptySession) {
		t.Fatalf("empty finalize: err = %v", err)
	}

	s.AddFragment("id('a')", "x")
	s.SetTitle("Renamed")
	def, err := s.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if def.Title != "Renamed" || def.URL != "https://example.com" || len(def.Fragments) != 1 {
		t.Fatalf("definition = %+v", def)
	}
	if _, err := s.Finalize(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second finalize: err = %v", err)
	}
	if s.AddFragment("id('b')", "y") {
		t.Fatal("add after finalize: want false")
	}
}

func TestCancel(t *testing.T) {
	s := Begin("https://example.com", "Example")
	s.AddFragment("id('a')", "x")
	s.Cancel()
	if len(s.Fragments()) != 0 {
		t.Fatal("fragments kept after cancel")
	}
	if _, err := s.Finalize(); !errors.Is(err, ErrClosed) {
		t.Fatalf("finalize after cancel: err = %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	id, s := r.Begin("https://example.com", "Example")
	if !strings.HasPrefix(id, "cs_") {
		t.Fatalf("session id = %q", id)
	}

	got, err := r.Get(id)
	if err != nil || got != s {
		t.Fatalf("get: %v", err)
	}

	keep := func(Definition) error { return nil }
	if err := r.Finalize(id, keep); !errors.Is(err, ErrEmptySession) {
		t.Fatalf("finalize empty: err = %v", err)
	}
	if r.Len() != 1 {
		t.Fatal("empty session dropped from registry")
	}

	s.AddFragment("id('a')", "x")
	var def Definition
	if err := r.Finalize(id, func(d Definition) error { def = d; return nil }); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(def.Fragments) != 1 || def.URL != "https://example.com" {
		t.Fatalf("committed definition = %+v", def)
	}
	if _, err := r.Get(id); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("get after finalize: err = %v", err)
	}
}

func TestRegistry_FailedCommitKeepsSelection(t *testing.T) {
	r := NewRegistry()
	id, s := r.Begin("https://example.com", "Example")
	s.AddFragment("id('a')", "x")

	boom := errors.New("store down")
	if err := r.Finalize(id, func(Definition) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	again, err := r.Get(id)
	if err != nil || len(again.Fragments()) != 1 {
		t.Fatalf("session after failed commit: %v", err)
	}
	if !again.AddFragment("id('b')", "y") {
		t.Fatal("session not reopened")
	}
	if err := r.Finalize(id, func(d Definition) error {
		if len(d.Fragments) != 2 {
			t.Fatalf("retry fragments = %d", len(d.Fragments))
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Fatal("session kept after commit")
	}
}

func TestRegistry_Cancel(t *testing.T) {
	r := NewRegistry()
	id, _ := r.Begin("https://example.com/2", "Two")
	if !r.Cancel(id) || r.Cancel(id) {
		t.Fatal("cancel: want true then false")
	}
}

func TestTextFromMarkup(t *testing.T) {
	got := TextFromMarkup(`<p class="x">Price: <b>12 &euro;</b> &amp; more<script>alert(1)</script></p>`)
	if got != "Price: 12 € & more" {
		t.Fatalf("TextFromMarkup = %q", got)
	}
}
