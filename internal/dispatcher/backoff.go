package dispatcher

import "time"

// Exponential doubles the base delay with every failed attempt.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the attempt following attempt.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}
