package sender

import (
	"fmt"
	"unicode/utf8"
)

const DefaultSMSMaxLength = 160

// checkSMS validates text before it is handed to an SMS provider.
func checkSMS(text string, maxLength int) error {
	if text == "" {
		return ErrEmptyContent
	}
	if maxLength <= 0 {
		maxLength = DefaultSMSMaxLength
	}
	if n := utf8.RuneCountInString(text); n > maxLength {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLong, n, maxLength)
	}
	return nil
}
