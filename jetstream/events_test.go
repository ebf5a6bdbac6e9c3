package jetstream

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitEvent(op, collection, text string) *Event {
	rec, _ := json.Marshal(map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      text,
		"createdAt": "2026-08-20T12:30:00.000Z",
		"langs":     []string{"en"},
	})
	return &Event{
		DID:    "did:plc:abc123",
		TimeUS: 1755693000000000,
		Kind:   KindCommit,
		Commit: &CommitEvent{
			Rev:        "3kwxyz",
			Operation:  op,
			Collection: collection,
			RKey:       "3kabc",
			Record:     rec,
			CID:        "bafyreib2rxk3rh6kzwq",
		},
	}
}

func TestNormalizePost(t *testing.T) {
	evt := commitEvent(OpCreate, CollectionPost, "hello world")

	pe, ok := normalizePost(evt)
	require.True(t, ok)
	assert.Equal(t, "did:plc:abc123", pe.AuthorID)
	assert.Equal(t, "3kabc", pe.RecordKey)
	assert.Equal(t, "bafyreib2rxk3rh6kzwq", pe.ContentID)
	assert.Equal(t, "at://did:plc:abc123/app.bsky.feed.post/3kabc", pe.URI)
	assert.Equal(t, "hello world", pe.Text)
	assert.Equal(t, []string{"en"}, pe.Languages)
	assert.EqualValues(t, 1755693000000000, pe.TimeUS)
	assert.False(t, pe.IsReply)
	assert.Equal(t, time.Date(2026, 8, 20, 12, 30, 0, 0, time.UTC), pe.CreatedAt)
}

func TestNormalizePostRejectsNonCreates(t *testing.T) {
	for _, op := range []string{OpUpdate, OpDelete} {
		_, ok := normalizePost(commitEvent(op, CollectionPost, "hello"))
		assert.False(t, ok, "operation %s should not normalize", op)
	}
}

func TestNormalizePostRejectsOtherCollections(t *testing.T) {
	_, ok := normalizePost(commitEvent(OpCreate, "app.bsky.feed.like", "hello"))
	assert.False(t, ok)
}

func TestNormalizePostRejectsNonCommitKinds(t *testing.T) {
	_, ok := normalizePost(&Event{DID: "did:plc:abc", Kind: KindIdentity})
	assert.False(t, ok)

	_, ok = normalizePost(&Event{DID: "did:plc:abc", Kind: KindAccount})
	assert.False(t, ok)

	// Commit kind without a commit body.
	_, ok = normalizePost(&Event{DID: "did:plc:abc", Kind: KindCommit})
	assert.False(t, ok)
}

func TestNormalizePostRejectsMissingFields(t *testing.T) {
	cases := map[string]func(*Event){
		"no did":    func(e *Event) { e.DID = "" },
		"no rkey":   func(e *Event) { e.Commit.RKey = "" },
		"no cid":    func(e *Event) { e.Commit.CID = "" },
		"no record": func(e *Event) { e.Commit.Record = nil },
	}
	for name, mutate := range cases {
		evt := commitEvent(OpCreate, CollectionPost, "hello")
		mutate(evt)
		_, ok := normalizePost(evt)
		assert.False(t, ok, name)
	}
}

func TestNormalizePostRejectsEmptyText(t *testing.T) {
	_, ok := normalizePost(commitEvent(OpCreate, CollectionPost, ""))
	assert.False(t, ok)
}

func TestNormalizePostBadTimestampFallsBack(t *testing.T) {
	evt := commitEvent(OpCreate, CollectionPost, "hello")
	evt.Commit.Record, _ = json.Marshal(map[string]any{
		"text":      "hello",
		"createdAt": "not a timestamp at all",
	})

	before := time.Now().UTC()
	pe, ok := normalizePost(evt)
	require.True(t, ok)
	assert.False(t, pe.CreatedAt.Before(before.Add(-time.Second)))
}

func TestNormalizePostReplyFlag(t *testing.T) {
	evt := commitEvent(OpCreate, CollectionPost, "replying")
	evt.Commit.Record, _ = json.Marshal(map[string]any{
		"text": "replying",
		"reply": map[string]any{
			"parent": map[string]any{"uri": "at://did:plc:xyz/app.bsky.feed.post/1"},
			"root":   map[string]any{"uri": "at://did:plc:xyz/app.bsky.feed.post/1"},
		},
	})

	pe, ok := normalizePost(evt)
	require.True(t, ok)
	assert.True(t, pe.IsReply)
}

func TestNormalizePostMalformedRecord(t *testing.T) {
	evt := commitEvent(OpCreate, CollectionPost, "hello")
	evt.Commit.Record = json.RawMessage(`{"text": 42}`)
	_, ok := normalizePost(evt)
	assert.False(t, ok)

	evt.Commit.Record = json.RawMessage(`not json`)
	_, ok = normalizePost(evt)
	assert.False(t, ok)
}

func TestEventRoundTrip(t *testing.T) {
	raw := fmt.Sprintf(`{
		"did": "did:plc:abc123",
		"time_us": 1725911162329308,
		"kind": "commit",
		"commit": {
			"rev": "3l3qo2vutsw2b",
			"operation": "create",
			"collection": %q,
			"rkey": "3l3qo2vuowo2b",
			"record": {"$type": %q, "text": "a post", "createdAt": "2026-08-20T01:02:03.000Z"},
			"cid": "bafyreidwaivazkwu67"
		}
	}`, CollectionPost, CollectionPost)

	var evt Event
	require.NoError(t, json.Unmarshal([]byte(raw), &evt))
	assert.Equal(t, KindCommit, evt.Kind)
	assert.EqualValues(t, 1725911162329308, evt.TimeUS)

	pe, ok := normalizePost(&evt)
	require.True(t, ok)
	assert.Equal(t, "a post", pe.Text)
}
