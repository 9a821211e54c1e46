// Package reaction reconciles reaction collections. A collection holds every
// reaction on one target and is stored as a single JSON array per feed
// update.
package reaction

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"threadfeed/api/internal/feed"
	"threadfeed/api/internal/record"
)

// Error reports a reconciliation request that can never succeed.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return "reaction: " + e.Reason
}

func invalid(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// FeedTopic is the topic of the reaction feed for one target comment:
// keccak256(identifier|targetID).
func FeedTopic(identifier, targetID string) (feed.Topic, error) {
	if targetID == "" {
		return feed.Topic{}, invalid("target message id is required")
	}
	if identifier == "" {
		return feed.Topic{}, feed.ErrInvalidIdentifier
	}
	var topic feed.Topic
	copy(topic[:], crypto.Keccak256([]byte(identifier), []byte(targetID)))
	return topic, nil
}

// Apply computes the collection that results from applying action with r.
//
// ADD and REMOVE identify a reaction by author and kind, EDIT by author and
// reaction id. An edit that would give the author a second reaction of the
// same kind is refused. changed is false when the collection is left as is;
// existing is never modified.
func Apply(existing []record.Reaction, r record.Reaction, action record.Action) (updated []record.Reaction, changed bool, err error) {
	if !action.Valid() {
		return nil, false, invalid("invalid action %q", action)
	}
	for _, e := range existing {
		if e.TargetID != r.TargetID {
			return nil, false, invalid("collection for %q holds a reaction on %q", r.TargetID, e.TargetID)
		}
	}

	switch action {
	case record.ActionAdd:
		if indexOf(existing, func(e record.Reaction) bool { return sameAuthor(e.User, r.User) && e.Kind == r.Kind }) >= 0 {
			return existing, false, nil
		}
		updated = append(clone(existing), r)
		return updated, true, nil

	case record.ActionRemove:
		i := indexOf(existing, func(e record.Reaction) bool { return sameAuthor(e.User, r.User) && e.Kind == r.Kind })
		if i < 0 {
			return existing, false, nil
		}
		return without(existing, i), true, nil

	default:
		if r.ID == "" {
			return existing, false, nil
		}
		i := indexOf(existing, func(e record.Reaction) bool { return sameAuthor(e.User, r.User) && e.ID == r.ID })
		if i < 0 {
			return existing, false, nil
		}
		for j, e := range existing {
			if j != i && sameAuthor(e.User, r.User) && e.Kind == r.Kind {
				return existing, false, nil
			}
		}
		return append(without(existing, i), r), true, nil
	}
}

// sameAuthor compares wallet addresses when either side has one and
// usernames otherwise.
func sameAuthor(a, b record.Author) bool {
	if a.Address != "" || b.Address != "" {
		return strings.EqualFold(a.Address, b.Address)
	}
	return a.Username == b.Username
}

func indexOf(reactions []record.Reaction, match func(record.Reaction) bool) int {
	for i, r := range reactions {
		if match(r) {
			return i
		}
	}
	return -1
}

func clone(reactions []record.Reaction) []record.Reaction {
	return append(make([]record.Reaction, 0, len(reactions)+1), reactions...)
}

func without(reactions []record.Reaction, i int) []record.Reaction {
	out := make([]record.Reaction, 0, len(reactions))
	out = append(out, reactions[:i]...)
	return append(out, reactions[i+1:]...)
}
