package session

import "errors"

var (
	// ErrUnknownSession is returned when a SID has neither a counter record
	// nor a session channel.
	ErrUnknownSession = errors.New("session: unknown session")

	// ErrNoSID is returned when no unused SID could be found.
	ErrNoSID = errors.New("session: no free session id")
)
