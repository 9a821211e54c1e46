// Package record defines the comment and reaction records stored in feeds
// and the codec that recognises their JSON shapes.
package record

// Kind tags the variant of a comment record.
type Kind string

const (
	KindText     Kind = "text"
	KindThread   Kind = "thread"
	KindReaction Kind = "reaction"
)

var kinds = map[Kind]struct{}{
	KindText:     {},
	KindThread:   {},
	KindReaction: {},
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Action is the operation carried by a reaction.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
	ActionEdit   Action = "edit"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAdd, ActionRemove, ActionEdit:
		return true
	default:
		return false
	}
}

// Author identifies who wrote a record.
type Author struct {
	Username string `json:"username"`
	Address  string `json:"address,omitempty"`
}

// Record is a single comment stored at one feed index.
type Record struct {
	ID   string `json:"id"`
	Kind Kind   `json:"type"`
	Body string `json:"message"`
	Author
	Timestamp int64  `json:"timestamp"`
	TargetID  string `json:"targetMessageId,omitempty"`
	Flagged   bool   `json:"flagged,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Signature string `json:"signature,omitempty"`
	// Legacy is set when the record was lifted from the old untagged shape.
	Legacy bool `json:"legacy,omitempty"`
}

// Request is the caller's input for a new comment. A nil Timestamp is
// defaulted to the current time; an explicit zero is kept.
type Request struct {
	ID   string `json:"id,omitempty"`
	Kind Kind   `json:"type,omitempty"`
	Body string `json:"message"`
	Author
	Timestamp *int64 `json:"timestamp,omitempty"`
	TargetID  string `json:"targetMessageId,omitempty"`
	Flagged   bool   `json:"flagged,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Reaction is one entry of a reaction collection. Kind holds the reaction
// label, e.g. "like".
type Reaction struct {
	TargetID  string `json:"targetMessageId"`
	User      Author `json:"user"`
	Action    Action `json:"action"`
	Kind      string `json:"reactionType"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"reactionId,omitempty"`
}
