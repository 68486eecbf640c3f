// Package timeutil provides the service clock. All times are UTC.
package timeutil

import "time"

// Now returns the current wall-clock time in UTC
func Now() time.Time {
	return time.Now().UTC()
}
