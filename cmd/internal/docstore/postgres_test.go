package docstore

import (
	"strings"
	"testing"
	"time"
)

func TestBuildQuerySQL(t *testing.T) {
	t.Parallel()

	cursor := time.Date(2025, 4, 23, 10, 0, 0, 0, time.UTC)

	sql, args := buildQuerySQL(`"parley"."documents"`, Query{
		Collection: "conversations/c1/messages",
		Filters: []Filter{
			Where("status", FilterEqual, "delivered"),
			Where("senderId", FilterNotEqual, "u1"),
		},
		OrderBy:    "timestamp",
		Limit:      25,
		StartAfter: cursor,
	})

	for _, want := range []string{
		`WHERE collection = $1`,
		`data->>'status' = $2`,
		`data ? 'senderId' AND data->>'senderId' <> $3`,
		`(data->>'timestamp')::numeric > $4`,
		`ORDER BY (data->>'timestamp')::numeric ASC, id ASC`,
		`LIMIT 25`,
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("sql missing %q:\n%s", want, sql)
		}
	}

	if len(args) != 4 {
		t.Fatalf("args=%d want=4", len(args))
	}
	if args[0] != "conversations/c1/messages" || args[1] != "delivered" || args[2] != "u1" {
		t.Fatalf("unexpected args: %v", args)
	}
	if args[3] != cursor.UnixNano() {
		t.Fatalf("cursor arg=%v want=%d", args[3], cursor.UnixNano())
	}
}

func TestBuildQuerySQL_DescNoCursor(t *testing.T) {
	t.Parallel()

	sql, args := buildQuerySQL(`"parley"."documents"`, Query{
		Collection: "userConversations",
		Filters:    []Filter{Where("userId", FilterEqual, "u1")},
		OrderBy:    "updatedAt",
		Desc:       true,
	})

	if !strings.Contains(sql, `ORDER BY (data->>'updatedAt')::numeric DESC, id ASC`) {
		t.Fatalf("missing desc order clause:\n%s", sql)
	}
	if strings.Contains(sql, "LIMIT") {
		t.Fatalf("unexpected LIMIT:\n%s", sql)
	}
	if len(args) != 2 {
		t.Fatalf("args=%d want=2", len(args))
	}
}

func TestJSONFieldsRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 4, 23, 12, 0, 0, 123456789, time.UTC)
	in := map[string]any{
		"content":   "hello",
		"status":    "delivered",
		"timestamp": now,
		"lastMessage": map[string]any{
			"text":      "hello",
			"timestamp": now,
		},
	}

	raw, err := encodeJSONFields(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := decodeJSONFields(raw)
	if err != nil {
		t.Fatal(err)
	}

	snap := Snapshot{Exists: true, Fields: out}
	if !snap.Time("timestamp").Equal(now) {
		t.Fatalf("timestamp=%v want=%v", snap.Time("timestamp"), now)
	}
	nested := Snapshot{Exists: true, Fields: snap.Child("lastMessage")}
	if !nested.Time("timestamp").Equal(now) {
		t.Fatalf("nested timestamp=%v want=%v", nested.Time("timestamp"), now)
	}
	if snap.String("content") != "hello" {
		t.Fatal("content lost in round trip")
	}
}
