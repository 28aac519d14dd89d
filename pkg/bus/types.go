package bus

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	EventJoinRequest EventKind = "join_request"
	EventLeave       EventKind = "leave"
)

// Event is one gateway occurrence routed to the membership engine.
// The gateway may deliver the same event more than once; consumers key
// idempotence on (UserID, Kind).
type Event struct {
	Kind        EventKind `json:"kind"`
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	FirstName   string    `json:"first_name,omitempty"`
	LastName    string    `json:"last_name,omitempty"`
	InviteToken string    `json:"invite_token,omitempty"` // empty when the platform withheld it
}

// Notice is an operator-facing message (delivery warnings, run summaries)
// flushed to the configured admins.
type Notice struct {
	Text string `json:"text"`
}
