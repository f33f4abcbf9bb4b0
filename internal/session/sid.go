package session

import (
	"fmt"
	"math/rand/v2"
	"strconv"
)

// DefaultSIDDigits is the width of generated session IDs.
const DefaultSIDDigits = 6

// maxSIDAttempts bounds random sampling before giving up.
const maxSIDAttempts = 1000

// sidAllocator draws fixed-width numeric SIDs uniformly at random.
type sidAllocator struct {
	digits int
	intN   func(n int) int
}

func newSIDAllocator(digits int) sidAllocator {
	if digits <= 0 {
		digits = DefaultSIDDigits
	}
	return sidAllocator{digits: digits, intN: rand.IntN}
}

// next returns a SID for which taken reports false.
func (a sidAllocator) next(taken func(sid string) bool) (string, error) {
	space := 1
	for i := 0; i < a.digits && space < 1<<40; i++ {
		space *= 10
	}
	format := "%0" + strconv.Itoa(a.digits) + "d"
	for attempt := 0; attempt < maxSIDAttempts; attempt++ {
		sid := fmt.Sprintf(format, a.intN(space))
		if !taken(sid) {
			return sid, nil
		}
	}
	return "", ErrNoSID
}
