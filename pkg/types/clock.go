package types

import "time"

// Clock supplies the current time to the engines
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock
type ClockFunc func() time.Time

// Now returns f()
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// FixedClock always returns t. The chaincode uses it with the transaction timestamp.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}
