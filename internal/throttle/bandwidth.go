package throttle

import (
	"time"

	"golang.org/x/time/rate"
)

// Bandwidth limits the bytes delivered to one session. A nil Bandwidth,
// or one built from a zero limit, allows everything.
type Bandwidth struct {
	lim   *rate.Limiter
	burst int
}

// NewBandwidth creates a limiter for kbps kilobits per second.
func NewBandwidth(kbps float64) *Bandwidth {
	if kbps <= 0 {
		return &Bandwidth{}
	}
	bytesPerSec := kbps * 1000 / 8
	burst := int(bytesPerSec)
	if burst < 1024 {
		burst = 1024
	}
	return &Bandwidth{lim: rate.NewLimiter(rate.Limit(bytesPerSec), burst), burst: burst}
}

// AllowN reports whether n bytes may be sent at now, consuming them if so.
// Events larger than the burst are charged the burst.
func (b *Bandwidth) AllowN(now time.Time, n int) bool {
	if b == nil || b.lim == nil {
		return true
	}
	if n > b.burst {
		n = b.burst
	}
	return b.lim.AllowN(now, n)
}

// Limited reports whether a limit is enforced.
func (b *Bandwidth) Limited() bool {
	return b != nil && b.lim != nil
}
