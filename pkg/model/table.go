package model

import (
	"fmt"
	"time"
)

// SubscriptionStatistics holds usage counters of one item of a closed table.
type SubscriptionStatistics struct {
	Item           string `json:"item" bson:"item"`
	SnapshotEvents int64  `json:"snapshotEvents" bson:"snapshot_events"`
	Delivered      int64  `json:"delivered" bson:"delivered"`
	Filtered       int64  `json:"filtered" bson:"filtered"`
	Lost           int64  `json:"lost" bson:"lost"`
}

// TableInfo describes one subscription request ("table") of a session.
type TableInfo struct {
	// WinIndex pairs the subscribe and unsubscribe requests within a session.
	WinIndex    int    `json:"winIndex" bson:"win_index"`
	Mode        Mode   `json:"mode" bson:"mode"`
	Group       string `json:"group" bson:"group"`
	DataAdapter string `json:"dataAdapter" bson:"data_adapter"`
	Schema      string `json:"schema" bson:"schema"`
	// Min and Max are 1-based and inclusive within the resolved item group.
	Min      int    `json:"min" bson:"min"`
	Max      int    `json:"max" bson:"max"`
	Selector string `json:"selector,omitempty" bson:"selector,omitempty"`
	// Items are the resolved item names in the [Min, Max] range.
	Items []string `json:"items" bson:"items"`
	// Statistics is only populated once the table is closed.
	Statistics []SubscriptionStatistics `json:"statistics,omitempty" bson:"statistics,omitempty"`
}

func (t TableInfo) String() string {
	return fmt.Sprintf("TableInfo for index %d, group: %s", t.WinIndex, t.Group)
}

// SessionRecord summarises a closed session.
type SessionRecord struct {
	SessionID string    `json:"sessionId" bson:"_id"`
	User      string    `json:"user" bson:"user"`
	OpenedAt  time.Time `json:"openedAt" bson:"opened_at"`
	ClosedAt  time.Time `json:"closedAt" bson:"closed_at"`
	Cause     int       `json:"cause" bson:"cause"`
	Message   string    `json:"message,omitempty" bson:"message,omitempty"`
}

// Session termination causes. Codes supplied by providers are zero or
// negative; positive codes are reserved for the kernel.
const (
	CauseUnspecified    = 0
	CauseClosedByClient = 1
	CauseForced         = 2
	CauseTTLExpired     = 3
	CauseShutdown       = 4
)

// ClientCause normalizes a provider supplied cause code.
func ClientCause(code int) int {
	if code > 0 {
		return CauseUnspecified
	}
	return code
}
