// Package counter stores per-session membership counts as single "<sid>|<count>"
// messages in a designated sessions channel.
package counter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedRecord reports content that is not in "<sid>|<count>" form.
var ErrMalformedRecord = errors.New("counter: malformed record")

const separator = "|"

// Record is a decoded counter record.
type Record struct {
	SID       string
	Count     int
	MessageID string
}

// Format renders the wire content of a counter record.
func Format(sid string, count int) string {
	return sid + separator + strconv.Itoa(count)
}

// Parse decodes "<sid>|<count>". Both halves must be ASCII digits; surrounding
// whitespace is tolerated on read but never written.
func Parse(content string) (sid string, count int, err error) {
	sid, n, ok := strings.Cut(strings.TrimSpace(content), separator)
	if !ok || !isDigits(sid) || !isDigits(n) {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedRecord, content)
	}
	count, err = strconv.Atoi(n)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedRecord, content)
	}
	return sid, count, nil
}

// hasSIDPrefix reports whether content looks like a record for sid.
func hasSIDPrefix(content, sid string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), sid+separator)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
