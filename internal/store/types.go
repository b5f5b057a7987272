package store

import "time"

// DeliveryState tracks whether the backend has acknowledged a message.
type DeliveryState string

const (
	Pending   DeliveryState = "pending"
	Confirmed DeliveryState = "confirmed"
	Failed    DeliveryState = "failed"
)

// Message is one entry in the active conversation's timeline.
type Message struct {
	ID            string // server id once confirmed, provisional id before
	ProvisionalID string // local id assigned at send time; empty for messages from others
	Sender        string
	Content       string
	Timestamp     time.Time
	State         DeliveryState
	FromMe        bool
}

// Change describes what Reconcile did to the store.
type Change int

const (
	Unchanged Change = iota
	Appended
	Replaced
)
