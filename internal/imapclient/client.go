package imapclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	imapprovider "github.com/Martian-dev/inbox-sync/internal/providers/imap"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

const inbox = "INBOX"

// ErrLogin marks a rejected LOGIN.
var ErrLogin = errors.New("imap login failed")

// Client implements the IMAP provider's Fetcher with go-imap v2.
// Every call opens its own connection and logs out when done.
type Client struct {
	logger      *slog.Logger
	dialTimeout time.Duration
}

// New returns a client; a zero dialTimeout means 30s.
func New(logger *slog.Logger, dialTimeout time.Duration) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &Client{logger: logger.With("component", "imapclient"), dialTimeout: dialTimeout}
}

// dial opens the transport under ctx so a dead host cannot outlive the
// dial timeout.
func (c *Client) dial(ctx context.Context, cfg imapprovider.ConnectionConfig) (*imapclient.Client, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{ServerName: cfg.Host}
	if cfg.TLS {
		return imapclient.New(tls.Client(conn, tlsConfig), nil), nil
	}
	client, err := imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// connect dials, authenticates and arranges for ctx cancellation to tear
// the connection down. Callers must call the returned release func.
func (c *Client) connect(ctx context.Context, cfg imapprovider.ConnectionConfig) (*imapclient.Client, func(), error) {
	addr := cfg.Addr()

	client, err := c.dial(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })

	if err := client.Login(cfg.User, cfg.Password).Wait(); err != nil {
		stop()
		_ = client.Close()
		return nil, nil, fmt.Errorf("%w for %s: %v", ErrLogin, cfg.User, err)
	}

	release := func() {
		stop()
		if err := client.Logout().Wait(); err != nil {
			c.logger.Debug("imap logout", "addr", addr, "error", err)
		}
		_ = client.Close()
	}
	return client, release, nil
}

// Count returns the number of messages in INBOX.
func (c *Client) Count(ctx context.Context, cfg imapprovider.ConnectionConfig) (int, error) {
	client, release, err := c.connect(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer release()

	data, err := client.Select(inbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("selecting INBOX: %w", err)
	}
	return int(data.NumMessages), nil
}

// FetchRecent fetches the newest limit messages of INBOX without setting \Seen.
func (c *Client) FetchRecent(ctx context.Context, cfg imapprovider.ConnectionConfig, limit int) ([]imapprovider.RawMessage, error) {
	client, release, err := c.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer release()

	data, err := client.Select(inbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("selecting INBOX: %w", err)
	}
	total := data.NumMessages
	if total == 0 {
		return nil, nil
	}

	start := uint32(1)
	if limit > 0 && total > uint32(limit) {
		start = total - uint32(limit) + 1
	}
	var seqSet imap.SeqSet
	seqSet.AddRange(start, total)

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(seqSet, &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	var out []imapprovider.RawMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			c.logger.Warn("collecting message", "addr", cfg.Addr(), "error", err)
			continue
		}
		out = append(out, toRaw(buf, buf.FindBodySection(section)))
	}

	if err := fetchCmd.Close(); err != nil {
		return out, fmt.Errorf("fetching messages: %w", err)
	}
	return out, nil
}

func toRaw(buf *imapclient.FetchMessageBuffer, body []byte) imapprovider.RawMessage {
	raw := imapprovider.RawMessage{
		UID:  uint32(buf.UID),
		Date: buf.InternalDate,
	}
	if env := buf.Envelope; env != nil {
		raw.MessageID = env.MessageID
		raw.Subject = env.Subject
		if raw.Date.IsZero() {
			raw.Date = env.Date
		}
		if len(env.From) > 0 {
			raw.From = formatAddress(env.From[0])
		}
		if len(env.To) > 0 {
			raw.To = formatAddress(env.To[0])
		}
		raw.InReplyTo = env.InReplyTo
	}
	if body != nil {
		parseBody(&raw, body)
	}
	return raw
}

func formatAddress(a imap.Address) string {
	if a.Name == "" {
		return a.Addr()
	}
	return (&mail.Address{Name: a.Name, Address: a.Addr()}).String()
}

// parseBody fills headers the envelope lacks plus the text, html and
// attachment metadata of a full RFC 5322 message.
func parseBody(raw *imapprovider.RawMessage, body []byte) {
	mr, err := mail.CreateReader(bytes.NewReader(body))
	if err != nil {
		if raw.Text == "" {
			raw.Text = string(body)
		}
		return
	}
	defer mr.Close()

	h := mr.Header
	raw.DateHeader = h.Get("Date")
	if raw.MessageID == "" {
		raw.MessageID, _ = h.MessageID()
	}
	if raw.From == "" {
		raw.From = h.Get("From")
	}
	if raw.To == "" {
		raw.To = h.Get("To")
	}
	if refs, err := h.MsgIDList("References"); err == nil {
		raw.References = refs
	}
	if len(raw.InReplyTo) == 0 {
		if ids, err := h.MsgIDList("In-Reply-To"); err == nil {
			raw.InReplyTo = ids
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			b, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && raw.Text == "":
				raw.Text = string(b)
			case strings.HasPrefix(contentType, "text/html") && raw.HTML == "":
				raw.HTML = string(b)
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			n, err := io.Copy(io.Discard, part.Body)
			if err != nil {
				continue
			}
			raw.Attachments = append(raw.Attachments, sync.Attachment{
				Filename: filename,
				MimeType: contentType,
				Size:     n,
			})
		}
	}
}
