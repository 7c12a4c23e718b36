package models

import "time"

const (
	CallRinging = "ringing"
	CallInCall  = "in-call"
)

// CallRecord tracks a signaling negotiation between two users. Ended and
// rejected calls have no record.
type CallRecord struct {
	CallerID  string    `json:"callerId"`
	CalleeID  string    `json:"calleeId"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
}

// PairKey is the order-independent key of two user ids.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "-" + b
}
