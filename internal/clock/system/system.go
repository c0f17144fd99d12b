// Package system provides the wall clock used for job and media timestamps.
package system

import "time"

// Clock implements importer.Clock and media.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. Review timestamps carry their own
// zone, so everything the service stamps itself is UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
