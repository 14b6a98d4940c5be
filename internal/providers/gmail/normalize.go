package gmail

import (
	"encoding/base64"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/inbox-sync/internal/parser"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

// normalize maps a full-format Gmail message. now stamps LastStatusSyncAt
// and stands in for a missing date, so the output depends only on its
// arguments; callers take one clock reading per batch.
func (a *Adapter) normalize(msg *gmail.Message, now time.Time) (sync.NormalizedMessage, error) {
	if msg == nil || msg.Id == "" {
		return sync.NormalizedMessage{}, &sync.NormalizationError{ProviderType: a.providerType, Reason: "message has no id"}
	}
	if msg.Payload == nil {
		return sync.NormalizedMessage{}, &sync.NormalizationError{ProviderType: a.providerType, ProviderMessageID: msg.Id, Reason: "message has no payload"}
	}

	headers := headerMap(msg.Payload.Headers)

	text, html, err := extractBody(msg.Payload)
	if err != nil {
		return sync.NormalizedMessage{}, &sync.NormalizationError{ProviderType: a.providerType, ProviderMessageID: msg.Id, Reason: err.Error()}
	}
	if text == "" && html != "" {
		text = parser.HTMLToText(html)
	}

	readState := sync.ReadRead
	direction := sync.DirectionReceived
	for _, l := range msg.LabelIds {
		switch l {
		case labelUnread:
			readState = sync.ReadUnread
		case labelSent:
			direction = sync.DirectionSent
		}
	}

	var ts time.Time
	if msg.InternalDate > 0 {
		ts = time.UnixMilli(msg.InternalDate)
	} else {
		ts = sync.ParseDate(a.logger, headers["date"], now)
	}

	fromAddr, fromName := sync.FirstAddress(headers["from"])
	toAddr, toName := sync.FirstAddress(headers["to"])
	attachments := collectAttachments(msg.Payload, nil)

	nm := sync.NormalizedMessage{
		InternalID:        sync.InternalID(a.providerType, msg.Id),
		ProviderMessageID: msg.Id,
		ProviderThreadID:  msg.ThreadId,
		MessageID:         headers["message-id"],
		Subject:           headers["subject"],
		FromAddress:       fromAddr,
		FromName:          fromName,
		ToAddress:         toAddr,
		ToName:            toName,
		Direction:         direction,
		ReadState:         readState,
		BodyText:          text,
		BodyHTML:          html,
		InReplyTo:         sync.SplitMessageIDs(headers["in-reply-to"]),
		References:        sync.SplitMessageIDs(headers["references"]),
		HasAttachments:    len(attachments) > 0,
		Attachments:       attachments,
		Provider:          a.providerType,
		SyncStatus:        sync.StatusSynced,
		LastStatusSyncAt:  sync.NewWallTime(now),
	}
	nm.SetTimestamp(ts)
	return nm, nil
}

// headerMap keys headers by lowercase name; the first occurrence wins.
func headerMap(hs []*gmail.MessagePartHeader) map[string]string {
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		if h == nil {
			continue
		}
		k := strings.ToLower(h.Name)
		if _, ok := out[k]; !ok {
			out[k] = h.Value
		}
	}
	return out
}

// extractBody prefers a single-part top-level body, otherwise walks the
// part tree depth-first taking the first text/plain and first text/html.
func extractBody(p *gmail.MessagePart) (text, html string, err error) {
	if len(p.Parts) == 0 {
		if p.Body == nil || p.Body.Data == "" {
			return "", "", nil
		}
		data, err := decodeBody(p.Body.Data)
		if err != nil {
			return "", "", err
		}
		if isMime(p.MimeType, "text/html") {
			return "", data, nil
		}
		return data, "", nil
	}
	err = walkParts(p.Parts, &text, &html)
	return text, html, err
}

func walkParts(parts []*gmail.MessagePart, text, html *string) error {
	for _, part := range parts {
		if part == nil {
			continue
		}
		if part.Filename == "" && part.Body != nil && part.Body.Data != "" {
			switch {
			case isMime(part.MimeType, "text/plain") && *text == "":
				data, err := decodeBody(part.Body.Data)
				if err != nil {
					return err
				}
				*text = data
			case isMime(part.MimeType, "text/html") && *html == "":
				data, err := decodeBody(part.Body.Data)
				if err != nil {
					return err
				}
				*html = data
			}
		}
		if len(part.Parts) > 0 {
			if err := walkParts(part.Parts, text, html); err != nil {
				return err
			}
		}
	}
	return nil
}

func collectAttachments(p *gmail.MessagePart, out []sync.Attachment) []sync.Attachment {
	if p == nil {
		return out
	}
	if p.Filename != "" {
		var size int64
		if p.Body != nil {
			size = p.Body.Size
		}
		out = append(out, sync.Attachment{Filename: p.Filename, MimeType: p.MimeType, Size: size})
	}
	for _, part := range p.Parts {
		out = collectAttachments(part, out)
	}
	return out
}

func isMime(got, want string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(got)), want)
}

// decodeBody accepts padded and unpadded URL-safe base64.
func decodeBody(data string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return "", err
		}
	}
	return string(b), nil
}
