package pinwatch

import (
	"errors"
	"testing"

	"github.com/hazyhaar/pinwatch/watchlist"
)

func TestValidateSettings(t *testing.T) {
	tests := []struct {
		name string
		set  watchlist.Settings
		ok   bool
	}{
		{"minimal", watchlist.Settings{Name: "Ada", PauseHours: 4}, true},
		{"with email", watchlist.Settings{Name: "Ada", Email: "ada.l+watch@mail-host.example.org", PauseHours: 1}, true},
		{"max pause", watchlist.Settings{Name: "Ada", PauseHours: 24}, true},
		{"blank name", watchlist.Settings{Name: "  ", PauseHours: 4}, false},
		{"no domain dot", watchlist.Settings{Name: "Ada", Email: "ada@localhost", PauseHours: 4}, false},
		{"no at", watchlist.Settings{Name: "Ada", Email: "ada.example.com", PauseHours: 4}, false},
		{"space in address", watchlist.Settings{Name: "Ada", Email: "a da@example.com", PauseHours: 4}, false},
		{"zero pause", watchlist.Settings{Name: "Ada", PauseHours: 0}, false},
		{"pause over a day", watchlist.Settings{Name: "Ada", PauseHours: 25}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSettings(tt.set)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidSettings) {
				t.Fatalf("err = %v, want ErrInvalidSettings", err)
			}
		})
	}
}
