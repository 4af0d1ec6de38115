package domain

import "fmt"

// ValidationError marks input the caller got wrong, as opposed to a service
// failure. HTTP handlers translate it to a 400 without reading the message.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// Invalidf formats a ValidationError.
func Invalidf(format string, args ...any) ValidationError {
	return ValidationError(fmt.Sprintf(format, args...))
}
