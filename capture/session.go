// Package capture accumulates the fragments a user picks on one page into a
// pending watch task definition. Nothing here touches the store.
package capture

import (
	"errors"
	"strings"
	"sync"

	"github.com/hazyhaar/pinwatch/watchlist"
)

var (
	// ErrEmptySession is returned by Finalize when no fragment was added.
	ErrEmptySession = errors.New("capture: no fragments selected")
	// ErrClosed is returned when a finalized or cancelled session is used.
	ErrClosed = errors.New("capture: session closed")
)

// Definition is a finalized capture, ready to become a watch task.
type Definition struct {
	Title     string               `json:"title"`
	URL       string               `json:"url"`
	Fragments []watchlist.Fragment `json:"fragments"`
}

// Observer is told about each newly added fragment.
type Observer func(watchlist.Fragment)

// Session is one capture in progress. Safe for concurrent use.
type Session struct {
	mu        sync.Mutex
	title     string
	url       string
	fragments []watchlist.Fragment
	observers []Observer
	closed    bool
}

// Begin opens a session for the page at url.
func Begin(url, title string) *Session {
	return &Session{url: url, title: title}
}

// Observe registers fn for fragment additions.
func (s *Session) Observe(fn Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// URL returns the page the session captures from.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// SetTitle renames the pending task.
func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
}

// AddFragment records locator with its current text. Adding a locator that
// is already present changes nothing and returns false.
func (s *Session) AddFragment(locator, text string) bool {
	s.mu.Lock()
	if s.closed || locator == "" {
		s.mu.Unlock()
		return false
	}
	for _, f := range s.fragments {
		if f.Locator == locator {
			s.mu.Unlock()
			return false
		}
	}
	f := watchlist.Fragment{Locator: locator, LastKnownText: strings.TrimSpace(text)}
	s.fragments = append(s.fragments, f)
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(f)
	}
	return true
}

// Fragments returns a copy of the fragments added so far.
func (s *Session) Fragments() []watchlist.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]watchlist.Fragment(nil), s.fragments...)
}

// Finalize closes the session and returns its definition.
func (s *Session) Finalize() (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Definition{}, ErrClosed
	}
	if len(s.fragments) == 0 {
		return Definition{}, ErrEmptySession
	}
	s.closed = true
	return Definition{
		Title:     s.title,
		URL:       s.url,
		Fragments: append([]watchlist.Fragment(nil), s.fragments...),
	}, nil
}

// reopen undoes Finalize after the definition could not be committed.
func (s *Session) reopen() {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
}

// Cancel discards everything collected.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.fragments = nil
	s.observers = nil
	s.closed = true
	s.mu.Unlock()
}
