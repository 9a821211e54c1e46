package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"threadfeed/api/internal/util"
)

// shape is one link of the decode chain: a predicate over a decoded JSON
// object and the lift that maps a matching object onto a Record.
type shape struct {
	name  string
	match func(fields) bool
	lift  func(fields) Record
}

// recordShapes is tried in order; the first matching shape wins.
var recordShapes = []shape{
	{name: "comment", match: isComment, lift: liftComment},
	{name: "reaction", match: isReaction, lift: liftReaction},
	{name: "legacy-comment", match: isLegacyComment, lift: liftLegacyComment},
}

// Codec fills defaults on new records. The zero value is not usable; use
// NewCodec.
type Codec struct {
	NewID func() string
	Now   func() time.Time
}

// NewCodec returns a codec backed by random UUIDs and the wall clock.
func NewCodec() Codec {
	return Codec{
		NewID: func() string { return util.NewID("") },
		Now:   time.Now,
	}
}

// Stamp turns a request into a record, generating an id when absent and a
// timestamp when the request carries none.
func (c Codec) Stamp(req Request) Record {
	rec := Record{
		ID:        req.ID,
		Kind:      req.Kind,
		Body:      req.Body,
		Author:    req.Author,
		TargetID:  req.TargetID,
		Flagged:   req.Flagged,
		Reason:    req.Reason,
		Signature: req.Signature,
	}
	if rec.ID == "" {
		rec.ID = c.NewID()
	}
	if req.Timestamp != nil {
		rec.Timestamp = *req.Timestamp
	} else {
		rec.Timestamp = c.Now().UnixMilli()
	}
	if rec.Kind == "" {
		rec.Kind = KindText
		if rec.TargetID != "" {
			rec.Kind = KindThread
		}
	}
	return rec
}

// StampReaction fills the reaction id and timestamp when they are unset.
func (c Codec) StampReaction(r Reaction) Reaction {
	if r.ID == "" {
		r.ID = c.NewID()
	}
	if r.Timestamp == 0 {
		r.Timestamp = c.Now().UnixMilli()
	}
	return r
}

// Encode serialises a record in the current shape. The legacy marker is
// never written back.
func Encode(rec Record) ([]byte, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("encode record: id is required")
	}
	if !rec.Kind.Valid() {
		return nil, fmt.Errorf("encode record %s: invalid type %q", rec.ID, rec.Kind)
	}
	rec.Legacy = false
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	return data, nil
}

// Decode parses a payload and runs it through the decode chain. It
// returns a *RecognitionError when no shape matches.
func Decode(data []byte) (Record, error) {
	raw, err := parse(data)
	if err != nil {
		return Record{}, err
	}
	return DecodeValue(raw)
}

// DecodeValue runs an already parsed JSON value through the decode chain.
// Numbers must have been decoded as json.Number.
func DecodeValue(raw any) (Record, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Record{}, unrecognized("payload is not a JSON object")
	}
	f := fields(obj)
	for _, s := range recordShapes {
		if s.match(f) {
			return s.lift(f), nil
		}
	}
	return Record{}, unrecognized("no known record shape matches")
}

// EncodeReactions serialises a reaction collection as one JSON array.
func EncodeReactions(reactions []Reaction) ([]byte, error) {
	if reactions == nil {
		reactions = []Reaction{}
	}
	data, err := json.Marshal(reactions)
	if err != nil {
		return nil, fmt.Errorf("encode reactions: %w", err)
	}
	return data, nil
}

// DecodeReactions parses a reaction collection blob. Every element has to
// be a valid reaction, otherwise the whole collection is rejected.
func DecodeReactions(data []byte) ([]Reaction, error) {
	raw, err := parse(data)
	if err != nil {
		return nil, err
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, unrecognized("reaction collection is not a JSON array")
	}
	reactions := make([]Reaction, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok || !isReaction(fields(obj)) {
			return nil, unrecognized("reaction %d has an invalid shape", i)
		}
		reactions = append(reactions, reactionFromFields(fields(obj)))
	}
	return reactions, nil
}

func parse(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return nil, unrecognized("invalid JSON: %v", err)
	}
	return raw, nil
}

func isComment(f fields) bool {
	id, okID := f.str("id")
	kind, okKind := f.str("type")
	_, okBody := f.str("message")
	_, okUser := f.str("username")
	_, okTS := f.num("timestamp")
	return okID && id != "" &&
		okKind && Kind(kind).Valid() &&
		okBody && okUser && okTS &&
		f.optStr("address") &&
		f.optStr("targetMessageId") &&
		f.optBool("flagged") &&
		f.optStr("reason") &&
		f.optStr("signature")
}

func liftComment(f fields) Record {
	return Record{
		ID:   f.strOr("id"),
		Kind: Kind(f.strOr("type")),
		Body: f.strOr("message"),
		Author: Author{
			Username: f.strOr("username"),
			Address:  f.strOr("address"),
		},
		Timestamp: f.numOr("timestamp"),
		TargetID:  f.strOr("targetMessageId"),
		Flagged:   f.boolOr("flagged"),
		Reason:    f.strOr("reason"),
		Signature: f.strOr("signature"),
	}
}

func isAuthor(f fields) bool {
	_, ok := f.str("username")
	return ok && f.optStr("address")
}

func isReaction(f fields) bool {
	user, okUser := f.object("user")
	_, okTarget := f.str("targetMessageId")
	_, okKind := f.str("reactionType")
	_, okTS := f.num("timestamp")
	action, okAction := f.str("action")
	return okUser && isAuthor(user) &&
		okTarget && okKind && okTS &&
		okAction && Action(action).Valid() &&
		f.optStr("reactionId")
}

func reactionFromFields(f fields) Reaction {
	user, _ := f.object("user")
	return Reaction{
		TargetID: f.strOr("targetMessageId"),
		User: Author{
			Username: user.strOr("username"),
			Address:  user.strOr("address"),
		},
		Action:    Action(f.strOr("action")),
		Kind:      f.strOr("reactionType"),
		Timestamp: f.numOr("timestamp"),
		ID:        f.strOr("reactionId"),
	}
}

func liftReaction(f fields) Record {
	r := reactionFromFields(f)
	return Record{
		ID:        r.ID,
		Kind:      KindReaction,
		Body:      r.Kind,
		Author:    r.User,
		Timestamp: r.Timestamp,
		TargetID:  r.TargetID,
	}
}
