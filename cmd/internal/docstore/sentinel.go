package docstore

// Write-time sentinel values. They are resolved atomically at commit by the
// backend, never client-side, so concurrent writers stay correct (unread
// counters in particular must not be read-modify-write).

type serverTimestampSentinel struct{}

type fieldDeleteSentinel struct{}

type incrementSentinel struct{ n int64 }

// ServerTimestamp resolves to the store server's clock at commit time.
var ServerTimestamp any = serverTimestampSentinel{}

// FieldDelete removes the field from the document entirely. Absence, not a
// false/zero value, is what "no value" means to readers.
var FieldDelete any = fieldDeleteSentinel{}

// Increment atomically adds n (which may be negative) to the current numeric
// value of the field, treating a missing field as zero.
func Increment(n int64) any { return incrementSentinel{n: n} }
