package record

// The legacy comment shape predates the type tag:
//
//	{"user": "...", "data": "...", "id": "...", "timestamp": 0, "replyId": "...", "tags": []}
//
// It is only ever read; writes always use the current shape.

func isLegacyComment(f fields) bool {
	_, okUser := f.str("user")
	_, okData := f.str("data")
	if !okUser || !okData {
		return false
	}
	if f.has("type") {
		return false
	}
	if f.has("tags") {
		tags, ok := f["tags"].([]any)
		if !ok {
			return false
		}
		for _, tag := range tags {
			if _, ok := tag.(string); !ok {
				return false
			}
		}
	}
	return f.optStr("id") && f.optNum("timestamp") && f.optStr("replyId")
}

func liftLegacyComment(f fields) Record {
	return Record{
		ID:        f.strOr("id"),
		Kind:      KindText,
		Body:      f.strOr("data"),
		Author:    Author{Username: f.strOr("user")},
		Timestamp: f.numOr("timestamp"),
		TargetID:  f.strOr("replyId"),
		Legacy:    true,
	}
}

// LiftLegacy maps a payload in the legacy shape onto a Record. It reports
// false when the payload is not a legacy comment.
func LiftLegacy(data []byte) (Record, bool) {
	raw, err := parse(data)
	if err != nil {
		return Record{}, false
	}
	obj, ok := raw.(map[string]any)
	if !ok || !isLegacyComment(fields(obj)) {
		return Record{}, false
	}
	return liftLegacyComment(fields(obj)), true
}
