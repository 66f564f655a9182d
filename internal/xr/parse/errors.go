package parse

import (
	"errors"
	"fmt"
)

// Sentinel rejection reasons. Use errors.Is to classify a parse error.
var (
	ErrEmptyPacket   = errors.New("empty packet")
	ErrTooFewTokens  = errors.New("too few numeric tokens")
	ErrInvalidNumber = errors.New("invalid number")
)

// maxRawLen caps the copy of the payload carried by rejection errors.
const maxRawLen = 200

// TooFewTokensError is returned when a packet carries fewer than
// xr.MinNumericTokens numeric tokens.
type TooFewTokensError struct {
	Count int    // numeric tokens found, excluding any button token
	Raw   string // truncated payload
}

func (e *TooFewTokensError) Error() string {
	return fmt.Sprintf("packet too short (%d numeric tokens). Raw: '%s'", e.Count, e.Raw)
}

func (e *TooFewTokensError) Is(target error) bool { return target == ErrTooFewTokens }

// InvalidNumberError is returned for the first numeric token that does not
// parse as a float.
type InvalidNumberError struct {
	Index int    // zero-based token index
	Token string // offending token text
	Raw   string // truncated payload
}

func (e *InvalidNumberError) Error() string {
	return fmt.Sprintf("float parse failed at token %d ('%s'). Raw: '%s'", e.Index, e.Token, e.Raw)
}

func (e *InvalidNumberError) Is(target error) bool { return target == ErrInvalidNumber }

// truncate shortens s to max runes, marking the cut with "...".
func truncate(s string, max int) string {
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
