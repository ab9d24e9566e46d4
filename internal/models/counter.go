package models

import "fmt"

// ScopeKind distinguishes location counters from label counters.
type ScopeKind string

const (
	ScopeLocation ScopeKind = "location"
	ScopeLabel    ScopeKind = "label"
)

// CounterKey identifies one unread counter.
type CounterKey struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// LocationKey returns the counter key for a location.
func LocationKey(l Location) CounterKey {
	return CounterKey{Kind: ScopeLocation, ID: string(l)}
}

// LabelKey returns the counter key for a label.
func LabelKey(labelID string) CounterKey {
	return CounterKey{Kind: ScopeLabel, ID: labelID}
}

func (k CounterKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.ID)
}

// UnreadCounter is the persisted value of a counter.
type UnreadCounter struct {
	Key    CounterKey `json:"key"`
	Unread int64      `json:"unread"`
}
