package clock

import "time"

// Clock abstracts wall-clock access so schedulers and billing logic can be
// tested against a fake time source.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func NewRealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now().UTC() }
