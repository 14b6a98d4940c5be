package imap

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/inbox-sync/internal/credential"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

const keyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	messages []RawMessage
	err      error
	calls    int
	got      ConnectionConfig
	limit    int
}

func (f *fakeFetcher) FetchRecent(_ context.Context, cfg ConnectionConfig, limit int) ([]RawMessage, error) {
	f.calls++
	f.got = cfg
	f.limit = limit
	return f.messages, f.err
}

func (f *fakeFetcher) Count(_ context.Context, cfg ConnectionConfig) (int, error) {
	f.calls++
	f.got = cfg
	return len(f.messages), f.err
}

type failingKeys struct{}

func (failingKeys) Key(context.Context) ([]byte, error) { return nil, errors.New("keyring locked") }

func newProvider(t *testing.T, f *fakeFetcher) *Provider {
	t.Helper()
	keys, err := credential.ParseHexKey(keyHex)
	require.NoError(t, err)
	return New(sync.ProviderIMAP, sync.DefaultCapabilities().Lookup(sync.ProviderIMAP), keys, f,
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func account(t *testing.T) sync.Account {
	t.Helper()
	key, err := hex.DecodeString(keyHex)
	require.NoError(t, err)
	blob, iv, err := credential.EncryptCredentials(key, credential.Credentials{User: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	return sync.Account{
		ID:                   "acc-1",
		ProviderType:         "imap",
		Email:                "alice@example.com",
		IMAPConfig:           &sync.IMAPConfig{Host: "imap.example.com", User: "alice@example.com"},
		CredentialsEncrypted: blob,
		CredentialsIV:        iv,
	}
}

func raw(uid uint32, at time.Time) RawMessage {
	return RawMessage{
		UID:       uid,
		MessageID: "<m" + string(rune('0'+uid)) + "@example.com>",
		Subject:   "hello",
		From:      "Bob <BOB@example.com>",
		To:        "alice@example.com",
		Date:      at,
		Text:      "hi",
	}
}

func TestInitializeClientResolvesConnection(t *testing.T) {
	p := newProvider(t, &fakeFetcher{})
	s, err := p.InitializeClient(context.Background(), account(t))
	require.NoError(t, err)

	conn := s.(*session).conn
	assert.Equal(t, ConnectionConfig{Host: "imap.example.com", Port: 993, User: "alice@example.com", Password: "pw", TLS: true}, conn)
	assert.NotContains(t, conn.String(), "pw")
}

func TestInitializeClientFailures(t *testing.T) {
	p := newProvider(t, &fakeFetcher{})

	acc := account(t)
	acc.IMAPConfig = nil
	_, err := p.InitializeClient(context.Background(), acc)
	assert.True(t, sync.IsConfigurationError(err))

	acc = account(t)
	acc.CredentialsIV = "00112233445566778899aabbccddeeff"
	_, err = p.InitializeClient(context.Background(), acc)
	assert.True(t, sync.IsDecryptionError(err))

	locked := New("imap", sync.Capabilities{}, failingKeys{}, &fakeFetcher{})
	_, err = locked.InitializeClient(context.Background(), account(t))
	assert.True(t, sync.IsDecryptionError(err))
}

func TestIncrementalChangesFiltersStrictlyAfterCursor(t *testing.T) {
	since := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	f := &fakeFetcher{messages: []RawMessage{
		raw(1, since.Add(-time.Hour)),
		raw(2, since),
		raw(3, since.Add(time.Minute)),
		{Subject: "no ids"},
		raw(5, since.Add(2*time.Minute)),
	}}
	p := newProvider(t, f)
	s, err := p.InitializeClient(context.Background(), account(t))
	require.NoError(t, err)

	cs, err := p.GetIncrementalChanges(context.Background(), s, sync.Cursor{Since: &since}, sync.Options{BatchSize: 500})
	require.NoError(t, err)
	assert.Equal(t, 50, f.limit)
	assert.Equal(t, 1, cs.Skipped)
	require.Len(t, cs.Messages, 2)
	assert.Equal(t, "<m3@example.com>", cs.Messages[0].ProviderMessageID)
	assert.True(t, cs.Cursor.Since.Equal(since.Add(2*time.Minute)))

	m := cs.Messages[0]
	assert.Equal(t, sync.ReadUnknown, m.ReadState)
	assert.Equal(t, sync.DirectionReceived, m.Direction)
	assert.Equal(t, "bob@example.com", m.FromAddress)
	assert.Equal(t, "imap_"+m.ProviderMessageID, m.InternalID)
	assert.Nil(t, m.SentAt)
}

func TestIncrementalChangesFirstSyncKeepsAll(t *testing.T) {
	f := &fakeFetcher{messages: []RawMessage{raw(1, fixedNow), raw(2, fixedNow)}}
	p := newProvider(t, f)
	s, err := p.InitializeClient(context.Background(), account(t))
	require.NoError(t, err)

	cs, err := p.GetIncrementalChanges(context.Background(), s, sync.Cursor{}, sync.Options{})
	require.NoError(t, err)
	assert.Len(t, cs.Messages, 2)
}

func TestIncrementalChangesPropagatesFetchError(t *testing.T) {
	f := &fakeFetcher{err: errors.New("connection reset")}
	p := newProvider(t, f)
	s, err := p.InitializeClient(context.Background(), account(t))
	require.NoError(t, err)

	_, err = p.GetIncrementalChanges(context.Background(), s, sync.Cursor{}, sync.Options{})
	assert.True(t, sync.IsTransportError(err))
}

func TestMutationsAreRejectedWithoutIO(t *testing.T) {
	f := &fakeFetcher{}
	p := newProvider(t, f)
	s, err := p.InitializeClient(context.Background(), account(t))
	require.NoError(t, err)

	ok, err := p.MarkAsRead(context.Background(), s, "x")
	assert.False(t, ok)
	assert.True(t, sync.IsCapabilityError(err))
	_, err = p.MarkAsUnread(context.Background(), s, "x")
	assert.True(t, sync.IsCapabilityError(err))

	nm, err := p.GetMessageDetails(context.Background(), s, "x")
	assert.NoError(t, err)
	assert.Nil(t, nm)
	assert.Zero(t, f.calls)
}

func TestNormalizeHTMLAndThreading(t *testing.T) {
	p := newProvider(t, &fakeFetcher{})
	nm, err := p.normalize(RawMessage{
		UID:        9,
		HTML:       "<div>Hello<br>world</div>",
		InReplyTo:  StringList{"<parent@x>"},
		References: StringList{"<root@x>", "<parent@x>"},
		DateHeader: "garbage",
	}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "uid-9", nm.ProviderMessageID)
	assert.Equal(t, "Hello world", nm.BodyText)
	assert.Equal(t, "<root@x>", nm.ProviderThreadID)
	assert.Equal(t, fixedNow.Unix(), nm.Timestamp().Unix())

	again, err := p.normalize(RawMessage{
		UID:        9,
		HTML:       "<div>Hello<br>world</div>",
		InReplyTo:  StringList{"<parent@x>"},
		References: StringList{"<root@x>", "<parent@x>"},
		DateHeader: "garbage",
	}, fixedNow)
	require.NoError(t, err)
	b1, _ := json.Marshal(nm)
	b2, _ := json.Marshal(again)
	assert.Equal(t, string(b1), string(b2))
}

func TestStringListAcceptsStringOrList(t *testing.T) {
	var msg RawMessage
	require.NoError(t, json.Unmarshal([]byte(`{"uid":1,"in_reply_to":"<a@x>","references":["<r@x>","<a@x>"]}`), &msg))
	assert.Equal(t, StringList{"<a@x>"}, msg.InReplyTo)
	assert.Equal(t, StringList{"<r@x>", "<a@x>"}, msg.References)

	require.NoError(t, json.Unmarshal([]byte(`{"references":"<r@x> <a@x>"}`), &msg))
	assert.Equal(t, StringList{"<r@x>", "<a@x>"}, msg.References)

	assert.Error(t, json.Unmarshal([]byte(`{"references":42}`), &msg))
}

func TestTestConnection(t *testing.T) {
	f := &fakeFetcher{messages: []RawMessage{raw(1, fixedNow), raw(2, fixedNow)}}
	p := newProvider(t, f)

	res := p.TestConnection(context.Background(), account(t))
	assert.Equal(t, sync.ConnectionResult{Success: true, Messages: 2}, res)

	acc := account(t)
	acc.CredentialsEncrypted = ""
	res = p.TestConnection(context.Background(), acc)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	f.err = errors.New("auth failed")
	res = p.TestConnection(context.Background(), account(t))
	assert.False(t, res.Success)
	assert.Equal(t, "auth failed", res.Error)
}
