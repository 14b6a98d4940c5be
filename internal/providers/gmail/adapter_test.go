package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/inbox-sync/internal/auth"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu       gosync.Mutex
	pages    []*gmail.ListMessagesResponse
	messages map[string]*gmail.Message
	status   int
	queries  []string
	gets     int
	modifies []string
	getErrs  map[string]error
	listErrs map[string]error
}

func (f *fakeAPI) ListMessages(_ context.Context, query, pageToken string, _ int64) (*gmail.ListMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if err := f.listErrs[pageToken]; err != nil {
		return nil, err
	}
	idx := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "page-%d", &idx)
	}
	if idx >= len(f.pages) {
		return &gmail.ListMessagesResponse{}, nil
	}
	return f.pages[idx], nil
}

func (f *fakeAPI) GetMessage(_ context.Context, id string) (*gmail.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if err := f.getErrs[id]; err != nil {
		return nil, err
	}
	m, ok := f.messages[id]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "not found"}
	}
	return m, nil
}

func (f *fakeAPI) ModifyMessage(_ context.Context, id string, add, remove []string) (*gmail.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modifies = append(f.modifies, id)
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &gmail.Message{Id: id, ServerResponse: googleapi.ServerResponse{HTTPStatusCode: status}}, nil
}

func (f *fakeAPI) GetProfile(context.Context) (*gmail.Profile, error) {
	return &gmail.Profile{EmailAddress: "bob@example.com", MessagesTotal: 42}, nil
}

type fakeBroker struct {
	err error
}

func (b fakeBroker) TokenSource(context.Context, auth.Provider, string, string) (oauth2.TokenSource, error) {
	if b.err != nil {
		return nil, b.err
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "t"}), nil
}

func b64(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

func textMessage(id string, ms int64, labels ...string) *gmail.Message {
	return &gmail.Message{
		Id:           id,
		ThreadId:     "t-" + id,
		LabelIds:     labels,
		InternalDate: ms,
		Payload: &gmail.MessagePart{
			MimeType: "text/plain",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: `"Alice" <Alice@Example.com>`},
				{Name: "To", Value: "bob@example.com"},
				{Name: "Subject", Value: "hello " + id},
				{Name: "Message-ID", Value: "<" + id + "@mail>"},
			},
			Body: &gmail.MessagePartBody{Data: b64("body " + id)},
		},
	}
}

func newTestAdapter(t *testing.T, api *fakeAPI, caps sync.Capabilities) (*Adapter, sync.Session) {
	t.Helper()
	a := New(sync.ProviderGmail, caps, fakeBroker{},
		WithAPIFactory(func(context.Context, oauth2.TokenSource) (API, error) { return api, nil }),
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s, err := a.InitializeClient(context.Background(), sync.Account{ID: "acc-1", Email: "bob@example.com", ProviderType: "gmail"})
	require.NoError(t, err)
	return a, s
}

func gmailCaps() sync.Capabilities {
	return sync.DefaultCapabilities().Lookup(sync.ProviderGmail)
}

func TestInitializeClientAuthFailure(t *testing.T) {
	a := New("gmail", gmailCaps(), fakeBroker{err: errors.New("revoked")})
	_, err := a.InitializeClient(context.Background(), sync.Account{Email: "x@example.com"})
	require.Error(t, err)
	assert.True(t, sync.IsAuthenticationError(err))

	_, err = a.InitializeClient(context.Background(), sync.Account{})
	assert.True(t, sync.IsConfigurationError(err))
}

func TestIncrementalChangesSkipsBrokenMessage(t *testing.T) {
	broken := textMessage("m2", 2000)
	broken.Payload.Body.Data = "!!!not-base64!!!"
	api := &fakeAPI{
		pages: []*gmail.ListMessagesResponse{{
			Messages: []*gmail.Message{{Id: "m1"}, {Id: "m2"}, {Id: "m3"}},
		}},
		messages: map[string]*gmail.Message{
			"m1": textMessage("m1", 1000),
			"m2": broken,
			"m3": textMessage("m3", 3000, labelUnread),
		},
	}
	a, s := newTestAdapter(t, api, gmailCaps())

	cs, err := a.GetIncrementalChanges(context.Background(), s, sync.Cursor{}, sync.Options{})
	require.NoError(t, err)
	require.Len(t, cs.Messages, 2)
	assert.Equal(t, 1, cs.Skipped)
	assert.Equal(t, "m1", cs.Messages[0].ProviderMessageID)
	assert.Equal(t, "m3", cs.Messages[1].ProviderMessageID)

	first := cs.Messages[0]
	assert.Equal(t, "gmail_m1", first.InternalID)
	assert.Equal(t, "alice@example.com", first.FromAddress)
	assert.Equal(t, "Alice", first.FromName)
	assert.Equal(t, sync.ReadRead, first.ReadState)
	assert.Equal(t, sync.DirectionReceived, first.Direction)
	assert.Equal(t, "body m1", first.BodyText)
	assert.NotNil(t, first.ReceivedAt)
	assert.Nil(t, first.SentAt)
	assert.Equal(t, sync.ReadUnread, cs.Messages[1].ReadState)

	require.NotNil(t, cs.Cursor.Since)
	assert.Equal(t, int64(3), cs.Cursor.Since.Unix())
	assert.Equal(t, fmt.Sprintf("after:%d", fixedNow.Add(-24*time.Hour).Unix()), api.queries[0])
}

func TestIncrementalChangesUsesCursorAndPaginates(t *testing.T) {
	since := time.Unix(1700000000, 0)
	api := &fakeAPI{
		pages: []*gmail.ListMessagesResponse{
			{Messages: []*gmail.Message{{Id: "a"}}, NextPageToken: "page-1"},
			{Messages: []*gmail.Message{{Id: "b"}}, NextPageToken: "page-2"},
			{Messages: []*gmail.Message{{Id: "c"}}},
		},
		messages: map[string]*gmail.Message{
			"a": textMessage("a", 1700000001000),
			"b": textMessage("b", 1700000002000),
			"c": textMessage("c", 1700000003000),
		},
	}
	a, s := newTestAdapter(t, api, gmailCaps())

	cs, err := a.GetIncrementalChanges(context.Background(), s, sync.Cursor{Since: &since}, sync.Options{MaxPages: 2})
	require.NoError(t, err)
	require.Len(t, cs.Messages, 2)
	assert.Equal(t, "after:1700000000", api.queries[0])
	assert.Len(t, api.queries, 2)

	require.NotNil(t, cs.Cursor.Since)
	assert.Equal(t, since.Unix(), cs.Cursor.Since.Unix(), "unfinished listing keeps its start")
	assert.Equal(t, "page-2", cs.Cursor.Token)
}

func TestIncrementalChangesResumesTruncatedListing(t *testing.T) {
	since := time.Unix(1700000000, 0)
	api := &fakeAPI{
		pages: []*gmail.ListMessagesResponse{
			{Messages: []*gmail.Message{{Id: "c"}}, NextPageToken: "page-1"},
			{Messages: []*gmail.Message{{Id: "b"}}, NextPageToken: "page-2"},
			{Messages: []*gmail.Message{{Id: "a"}}},
		},
		messages: map[string]*gmail.Message{
			"a": textMessage("a", 1700000001000),
			"b": textMessage("b", 1700000002000),
			"c": textMessage("c", 1700000003000),
		},
	}
	a, s := newTestAdapter(t, api, gmailCaps())
	ctx := context.Background()

	var seen []string
	cursor := sync.Cursor{Since: &since}
	for i := 0; i < 3; i++ {
		cs, err := a.GetIncrementalChanges(ctx, s, cursor, sync.Options{MaxPages: 1})
		require.NoError(t, err)
		for _, m := range cs.Messages {
			seen = append(seen, m.ProviderMessageID)
		}
		cursor = cs.Cursor
	}

	assert.Equal(t, []string{"c", "b", "a"}, seen)
	assert.Equal(t, []string{"after:1700000000", "after:1700000000", "after:1700000000"}, api.queries)
	assert.Empty(t, cursor.Token)
	require.NotNil(t, cursor.Since)
	assert.Equal(t, int64(1700000001), cursor.Since.Unix())
}

func TestIncrementalChangesFirstSyncTruncatedKeepsWindow(t *testing.T) {
	api := &fakeAPI{
		pages: []*gmail.ListMessagesResponse{
			{Messages: []*gmail.Message{{Id: "b"}}, NextPageToken: "page-1"},
			{Messages: []*gmail.Message{{Id: "a"}}},
		},
		messages: map[string]*gmail.Message{
			"a": textMessage("a", fixedNow.Add(-2*time.Hour).UnixMilli()),
			"b": textMessage("b", fixedNow.Add(-time.Hour).UnixMilli()),
		},
	}
	a, s := newTestAdapter(t, api, gmailCaps())

	cs, err := a.GetIncrementalChanges(context.Background(), s, sync.Cursor{}, sync.Options{MaxPages: 1})
	require.NoError(t, err)
	require.NotNil(t, cs.Cursor.Since)
	assert.Equal(t, fixedNow.Add(-24*time.Hour).Unix(), cs.Cursor.Since.Unix())
	assert.Equal(t, "page-1", cs.Cursor.Token)

	_, err = a.GetIncrementalChanges(context.Background(), s, cs.Cursor, sync.Options{MaxPages: 1})
	require.NoError(t, err)
	require.Len(t, api.queries, 2)
	assert.Equal(t, api.queries[0], api.queries[1])
}

func TestIncrementalChangesHoldsCursorOnTransientFailure(t *testing.T) {
	since := time.Unix(1700000000, 0)
	api := &fakeAPI{
		pages: []*gmail.ListMessagesResponse{{
			Messages: []*gmail.Message{{Id: "b"}, {Id: "a"}},
		}},
		messages: map[string]*gmail.Message{
			"a": textMessage("a", 1700000001000),
			"b": textMessage("b", 1700000002000),
		},
		getErrs: map[string]error{"a": &googleapi.Error{Code: http.StatusServiceUnavailable}},
	}
	a, s := newTestAdapter(t, api, gmailCaps())

	cs, err := a.GetIncrementalChanges(context.Background(), s, sync.Cursor{Since: &since}, sync.Options{})
	require.NoError(t, err)
	require.Len(t, cs.Messages, 1)
	assert.Equal(t, 1, cs.Skipped)
	require.NotNil(t, cs.Cursor.Since)
	assert.Equal(t, since.Unix(), cs.Cursor.Since.Unix(), "a must be retried next pass")

	// a message deleted between list and get is not worth waiting for
	api.getErrs = nil
	delete(api.messages, "a")
	cs, err = a.GetIncrementalChanges(context.Background(), s, sync.Cursor{Since: &since}, sync.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1700000002), cs.Cursor.Since.Unix())
}

func TestIncrementalChangesRestartsOnStalePageToken(t *testing.T) {
	since := time.Unix(1700000000, 0)
	api := &fakeAPI{
		pages: []*gmail.ListMessagesResponse{
			{Messages: []*gmail.Message{{Id: "a"}}},
		},
		messages: map[string]*gmail.Message{"a": textMessage("a", 1700000001000)},
		listErrs: map[string]error{"stale": &googleapi.Error{Code: http.StatusBadRequest}},
	}
	a, s := newTestAdapter(t, api, gmailCaps())

	cs, err := a.GetIncrementalChanges(context.Background(), s, sync.Cursor{Since: &since, Token: "stale"}, sync.Options{})
	require.NoError(t, err)
	require.Len(t, cs.Messages, 1)
	assert.Empty(t, cs.Cursor.Token)
	assert.Equal(t, int64(1700000001), cs.Cursor.Since.Unix())
}

func TestNormalizeIsDeterministic(t *testing.T) {
	msg := textMessage("m1", 1000, labelSent)
	ticks := fixedNow
	a := New(sync.ProviderGmail, gmailCaps(), fakeBroker{}, WithClock(func() time.Time {
		ticks = ticks.Add(time.Minute)
		return ticks
	}))

	first, err := a.normalize(msg, fixedNow)
	require.NoError(t, err)
	second, err := a.normalize(msg, fixedNow)
	require.NoError(t, err)

	b1, _ := json.Marshal(first)
	b2, _ := json.Marshal(second)
	assert.Equal(t, string(b1), string(b2))
	assert.Equal(t, sync.DirectionSent, first.Direction)
	assert.NotNil(t, first.SentAt)
	assert.Nil(t, first.ReceivedAt)
}

func TestNormalizeMultipartBodies(t *testing.T) {
	htmlOnly := &gmail.Message{
		Id: "h1",
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Parts: []*gmail.MessagePart{
				{
					MimeType: "multipart/alternative",
					Parts: []*gmail.MessagePart{
						{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>Hi <b>there</b></p>")}},
					},
				},
				{MimeType: "application/pdf", Filename: "a.pdf", Body: &gmail.MessagePartBody{Size: 42, AttachmentId: "x"}},
			},
		},
	}
	a, _ := newTestAdapter(t, &fakeAPI{}, gmailCaps())

	nm, err := a.normalize(htmlOnly, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "<p>Hi <b>there</b></p>", nm.BodyHTML)
	assert.Equal(t, "Hi there", nm.BodyText)
	assert.True(t, nm.HasAttachments)
	require.Len(t, nm.Attachments, 1)
	assert.Equal(t, sync.Attachment{Filename: "a.pdf", MimeType: "application/pdf", Size: 42}, nm.Attachments[0])
	// no internal date and no Date header falls back to the clock
	assert.Equal(t, fixedNow.Unix(), nm.Timestamp().Unix())
}

func TestMarkAsReadRespectsCapability(t *testing.T) {
	api := &fakeAPI{}
	caps := gmailCaps()
	caps.BidirectionalSync = false
	a, s := newTestAdapter(t, api, caps)

	ok, err := a.MarkAsRead(context.Background(), s, "m1")
	assert.False(t, ok)
	assert.True(t, sync.IsCapabilityError(err))
	assert.Empty(t, api.modifies)
}

func TestMarkAsReadStatus(t *testing.T) {
	api := &fakeAPI{}
	a, s := newTestAdapter(t, api, gmailCaps())

	ok, err := a.MarkAsRead(context.Background(), s, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	api.status = http.StatusAccepted
	ok, err = a.MarkAsUnread(context.Background(), s, "m1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"m1", "m1"}, api.modifies)
}

func TestGetMessageDetailsNotFound(t *testing.T) {
	a, s := newTestAdapter(t, &fakeAPI{}, gmailCaps())
	nm, err := a.GetMessageDetails(context.Background(), s, "missing")
	require.NoError(t, err)
	assert.Nil(t, nm)
}

func TestSearchAndFindByMessageID(t *testing.T) {
	api := &fakeAPI{
		pages: []*gmail.ListMessagesResponse{
			{Messages: []*gmail.Message{{Id: "m1"}}, NextPageToken: "page-1"},
		},
		messages: map[string]*gmail.Message{"m1": textMessage("m1", 1000)},
	}
	a, s := newTestAdapter(t, api, gmailCaps())

	page, err := a.Search(context.Background(), s, "from:alice", "")
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "page-1", page.NextPageToken)

	id, err := a.FindByMessageID(context.Background(), s, "<m1@mail>")
	require.NoError(t, err)
	assert.Equal(t, "m1", id)
	assert.Equal(t, "rfc822msgid:m1@mail", api.queries[len(api.queries)-1])
}

func TestSessionMismatch(t *testing.T) {
	a, _ := newTestAdapter(t, &fakeAPI{}, gmailCaps())
	_, err := a.GetIncrementalChanges(context.Background(), nil, sync.Cursor{}, sync.Options{})
	assert.ErrorIs(t, err, sync.ErrSessionMismatch)
}

func TestTestConnection(t *testing.T) {
	a, _ := newTestAdapter(t, &fakeAPI{}, gmailCaps())
	res := a.TestConnection(context.Background(), sync.Account{Email: "bob@example.com"})
	assert.Equal(t, sync.ConnectionResult{Success: true, Messages: 42}, res)

	a = New("gmail", gmailCaps(), fakeBroker{err: errors.New("revoked")})
	res = a.TestConnection(context.Background(), sync.Account{Email: "bob@example.com"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "revoked")
}
