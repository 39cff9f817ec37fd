package pinwatch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hazyhaar/pinwatch/watchlist"
)

// ErrInvalidSettings wraps every settings validation failure.
var ErrInvalidSettings = errors.New("pinwatch: invalid settings")

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)

// ValidateSettings checks user settings before they are saved. The email
// address is optional; when present it must look like one.
func ValidateSettings(s watchlist.Settings) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSettings)
	}
	if s.Email != "" && !emailPattern.MatchString(s.Email) {
		return fmt.Errorf("%w: email address %q is not valid", ErrInvalidSettings, s.Email)
	}
	if s.PauseHours < 1 || s.PauseHours > 24 {
		return fmt.Errorf("%w: pause must be between 1 and 24 hours", ErrInvalidSettings)
	}
	return nil
}
