package docstore

import (
	"encoding/json"
	"time"
)

// Snapshot is a point-in-time view of one document.
//
// Fields hold plain Go values: string, bool, int64, float64, time.Time and
// nested map[string]any. Backends normalize their native representations at
// the adapter boundary; in particular every backend's timestamp type is
// bridged to time.Time exactly once, here, instead of per call site.
type Snapshot struct {
	Ref    Ref
	Exists bool
	Fields map[string]any
}

// String returns the string value of a field, or "" when absent.
func (s Snapshot) String(key string) string {
	v, _ := s.Fields[key].(string)
	return v
}

// Bool returns the bool value of a field, or false when absent.
func (s Snapshot) Bool(key string) bool {
	v, _ := s.Fields[key].(bool)
	return v
}

// Has reports whether the field is present at all. Typing indicators rely
// on field absence (not a false sentinel) to mean "nobody is typing".
func (s Snapshot) Has(key string) bool {
	_, ok := s.Fields[key]
	return ok
}

// Int64 returns the integer value of a field, coercing the numeric
// representations the backends produce (int, int64, float64, json.Number).
func (s Snapshot) Int64(key string) int64 {
	n, _ := coerceInt64(s.Fields[key])
	return n
}

// Time returns the timestamp value of a field, or the zero time when the
// field is absent or not a timestamp.
func (s Snapshot) Time(key string) time.Time {
	t, _ := coerceTime(s.Fields[key])
	return t
}

// Child returns a nested map field (e.g. a denormalized lastMessage), or nil.
func (s Snapshot) Child(key string) map[string]any {
	v, _ := s.Fields[key].(map[string]any)
	return v
}

func coerceInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// coerceTime bridges every timestamp shape the backends emit to time.Time:
// native time.Time (memory, Firestore), epoch nanoseconds (Postgres JSONB),
// and RFC 3339 strings (hand-written fixtures).
func coerceTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case int64:
		return time.Unix(0, t).UTC(), true
	case float64:
		return time.Unix(0, int64(t)).UTC(), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(0, n).UTC(), true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// compareField orders two field values for query sorting and cursor
// evaluation. Mixed or unsupported types compare as equal and fall through
// to the document-id tie break.
func compareField(a, b any) int {
	if at, ok := coerceTime(a); ok {
		if bt, ok := coerceTime(b); ok {
			return at.Compare(bt)
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			default:
				return 0
			}
		}
	}
	if ai, ok := coerceInt64(a); ok {
		if bi, ok := coerceInt64(b); ok {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			default:
				return 0
			}
		}
	}
	return 0
}

// fieldEqual is the equality used by query filters.
func fieldEqual(a, b any) bool {
	if at, ok := coerceTime(a); ok {
		if bt, ok := coerceTime(b); ok {
			return at.Equal(bt)
		}
	}
	if ai, ok := coerceInt64(a); ok {
		if bi, ok := coerceInt64(b); ok {
			return ai == bi
		}
	}
	return a == b
}
