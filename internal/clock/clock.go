package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock supplies the current instant. The scheduler derives every business
// date from it, never from the wall clock directly, so billing runs stay
// deterministic under test.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func NewSystemClock() Clock { return systemClock{} }

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
