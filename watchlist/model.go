// Package watchlist holds the watch tasks and user settings, and serializes
// every mutation of that collection.
package watchlist

import "time"

// DefaultPauseHours is the email pause applied when no settings were saved.
const DefaultPauseHours = 4

// Fragment is one watched element of a page.
type Fragment struct {
	Locator       string `json:"locator"`
	LastKnownText string `json:"last_known_text"`
}

// DiffRecord is one observed before/after change of a fragment.
type DiffRecord struct {
	Locator  string `json:"locator"`
	Original string `json:"original"`
	Current  string `json:"current"`
	Time     int64  `json:"time"` // unix millis of the run
}

// WatchTask is a persisted monitoring job. ID is also the trigger key.
type WatchTask struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	URL           string       `json:"url"`
	Fragments     []Fragment   `json:"fragments"`
	PeriodMinutes int          `json:"period_minutes"`
	History       []DiffRecord `json:"history"`
	CreatedAt     int64        `json:"created_at"`
}

// Settings is the single user/email configuration.
type Settings struct {
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	EmailSubject string `json:"email_subject,omitempty"`
	PauseHours   int    `json:"pause_hours"`
}

// DefaultSettings returns the settings used before the user saves any.
func DefaultSettings() Settings {
	return Settings{PauseHours: DefaultPauseHours}
}

// EmailEnabled reports whether an email address is configured.
func (s Settings) EmailEnabled() bool { return s.Email != "" }

// Pause is the minimum interval between two emails.
func (s Settings) Pause() time.Duration {
	return time.Duration(s.PauseHours) * time.Hour
}

// Snapshot is the whole stored collection, read and written as one unit.
type Snapshot struct {
	Tasks    []WatchTask `json:"watchlist"`
	Settings Settings    `json:"settings"`
}

// LastChange returns the time of the most recent diff record, or zero.
func (t *WatchTask) LastChange() time.Time {
	var last int64
	for _, r := range t.History {
		if r.Time > last {
			last = r.Time
		}
	}
	if last == 0 {
		return time.Time{}
	}
	return time.UnixMilli(last)
}

// ApplyDiff replaces the history with records and moves each touched
// fragment's LastKnownText to the newly observed text.
func (t *WatchTask) ApplyDiff(records []DiffRecord) {
	t.History = append([]DiffRecord(nil), records...)
	for _, r := range records {
		for i := range t.Fragments {
			if t.Fragments[i].Locator == r.Locator {
				t.Fragments[i].LastKnownText = r.Current
				break
			}
		}
	}
}

// Clone returns a deep copy.
func (t WatchTask) Clone() WatchTask {
	t.Fragments = append([]Fragment(nil), t.Fragments...)
	t.History = append([]DiffRecord(nil), t.History...)
	return t
}

func (s *Snapshot) indexOf(id string) int {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}
