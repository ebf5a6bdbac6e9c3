package jetstream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Jetstream event kinds.
const (
	KindCommit   = "commit"
	KindIdentity = "identity"
	KindAccount  = "account"
)

// Commit operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// CollectionPost is the only collection we subscribe to.
const CollectionPost = "app.bsky.feed.post"

// Event is a single frame from the jetstream firehose.
// See https://docs.bsky.app/docs/advanced-guides/jetstream
type Event struct {
	DID      string         `json:"did"`
	TimeUS   int64          `json:"time_us"`
	Kind     string         `json:"kind"`
	Commit   *CommitEvent   `json:"commit,omitempty"`
	Identity *IdentityEvent `json:"identity,omitempty"`
	Account  *AccountEvent  `json:"account,omitempty"`
}

type CommitEvent struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid,omitempty"`
}

type IdentityEvent struct {
	Did    string `json:"did"`
	Handle string `json:"handle"`
	Time   string `json:"time"`
	Seq    int64  `json:"seq"`
}

type AccountEvent struct {
	Did    string `json:"did"`
	Time   string `json:"time"`
	Seq    int64  `json:"seq"`
	Active bool   `json:"active"`
}

// postRecord is the subset of app.bsky.feed.post we care about.
type postRecord struct {
	Type      string   `json:"$type"`
	Text      string   `json:"text"`
	CreatedAt string   `json:"createdAt"`
	Langs     []string `json:"langs,omitempty"`
	Reply     *struct {
		Parent *struct {
			Uri string `json:"uri"`
		} `json:"parent"`
		Root *struct {
			Uri string `json:"uri"`
		} `json:"root"`
	} `json:"reply,omitempty"`
}

// PostEvent is a normalized post from the firehose, the unit of work for
// the keyword router. TimeUS is the firehose cursor.
type PostEvent struct {
	AuthorID  string
	RecordKey string
	ContentID string
	URI       string
	Text      string
	CreatedAt time.Time
	TimeUS    int64
	Languages []string
	IsReply   bool
}

// normalizePost turns a commit event into a PostEvent. Returns false for
// anything that is not a post creation or that fails field validation;
// such events are counted by the caller and dropped, never propagated.
func normalizePost(evt *Event) (*PostEvent, bool) {
	if evt.Kind != KindCommit || evt.Commit == nil {
		return nil, false
	}
	c := evt.Commit
	if c.Operation != OpCreate || c.Collection != CollectionPost {
		return nil, false
	}
	if evt.DID == "" || c.RKey == "" || c.CID == "" || len(c.Record) == 0 {
		return nil, false
	}

	var rec postRecord
	if err := json.Unmarshal(c.Record, &rec); err != nil {
		return nil, false
	}
	if rec.Text == "" {
		return nil, false
	}

	created := time.Now().UTC()
	if rec.CreatedAt != "" {
		if ts, err := syntax.ParseDatetimeLenient(rec.CreatedAt); err == nil {
			created = ts.Time()
		}
	}

	return &PostEvent{
		AuthorID:  evt.DID,
		RecordKey: c.RKey,
		ContentID: c.CID,
		URI:       fmt.Sprintf("at://%s/%s/%s", evt.DID, c.Collection, c.RKey),
		Text:      rec.Text,
		CreatedAt: created,
		TimeUS:    evt.TimeUS,
		Languages: rec.Langs,
		IsReply:   rec.Reply != nil && rec.Reply.Parent != nil,
	}, true
}
