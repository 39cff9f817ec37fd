package notify

import "fmt"

// DeliveryError is returned when the email API rejected or never received a
// message.
type DeliveryError struct {
	StatusCode int // 0 when no response was received
	Body       string
	Cause      error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("notify: email delivery failed: status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("notify: email delivery failed: %v", e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }
