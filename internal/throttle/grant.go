// Package throttle applies per-subscription resource limits downstream of
// the snapshot state machine: buffer depth, update frequency and session
// bandwidth.
package throttle

import "fmt"

// Grant holds the resource limits resolved for one (user, item, adapter)
// at subscription time. Zero means unlimited or unset.
type Grant struct {
	// MaxBandwidth is the session bandwidth in kbit/s.
	MaxBandwidth float64
	// MaxFrequency is the update rate per item in updates/s.
	MaxFrequency float64
	// BufferDepth caps pending updates per item.
	BufferDepth int
	// SnapshotDepth caps the DISTINCT snapshot; 0 keeps no snapshot.
	SnapshotDepth int
	// MinSourceFrequency is the prefilter rate suggested to the producer.
	MinSourceFrequency float64
}

// Unlimited reports whether the grant imposes no per-item limit.
func (g Grant) Unlimited() bool {
	return g.MaxFrequency <= 0 && g.BufferDepth <= 0
}

func (g Grant) String() string {
	return fmt.Sprintf("bandwidth=%g frequency=%g buffer=%d snapshot=%d prefilter=%g",
		g.MaxBandwidth, g.MaxFrequency, g.BufferDepth, g.SnapshotDepth, g.MinSourceFrequency)
}
