package outlook

import (
	"strings"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/Martian-dev/inbox-sync/internal/parser"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

// normalize maps a Graph message. accountEmail decides direction; now
// stamps the status time and stands in for a missing date.
func (a *Adapter) normalize(m models.Messageable, accountEmail string, now time.Time) (sync.NormalizedMessage, error) {
	if m == nil {
		return sync.NormalizedMessage{}, &sync.NormalizationError{ProviderType: a.providerType, Reason: "nil message"}
	}
	id := deref(m.GetId())
	if id == "" {
		return sync.NormalizedMessage{}, &sync.NormalizationError{ProviderType: a.providerType, Reason: "message has no id"}
	}

	fromAddr, fromName := recipient(m.GetFrom())
	var toAddr, toName string
	if to := m.GetToRecipients(); len(to) > 0 {
		toAddr, toName = recipient(to[0])
	}

	direction := sync.DirectionReceived
	if fromAddr != "" && strings.EqualFold(fromAddr, strings.TrimSpace(accountEmail)) {
		direction = sync.DirectionSent
	}

	readState := sync.ReadUnknown
	if r := m.GetIsRead(); r != nil {
		readState = sync.ReadUnread
		if *r {
			readState = sync.ReadRead
		}
	}

	var text, html string
	if body := m.GetBody(); body != nil {
		content := deref(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			html = content
			text = parser.HTMLToText(content)
		} else {
			text = content
		}
	}

	headers := map[string]string{}
	for _, h := range m.GetInternetMessageHeaders() {
		name := strings.ToLower(deref(h.GetName()))
		if _, ok := headers[name]; !ok && name != "" {
			headers[name] = deref(h.GetValue())
		}
	}

	ts := now
	if direction == sync.DirectionSent {
		if t := m.GetSentDateTime(); t != nil {
			ts = *t
		}
	} else if t := m.GetReceivedDateTime(); t != nil {
		ts = *t
	}

	nm := sync.NormalizedMessage{
		InternalID:        sync.InternalID(a.providerType, id),
		ProviderMessageID: id,
		ProviderThreadID:  deref(m.GetConversationId()),
		MessageID:         deref(m.GetInternetMessageId()),
		Subject:           deref(m.GetSubject()),
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
		HasAttachments:    deref(m.GetHasAttachments()),
		Provider:          a.providerType,
		SyncStatus:        sync.StatusSynced,
		LastStatusSyncAt:  sync.NewWallTime(now),
	}
	nm.SetTimestamp(ts)
	return nm, nil
}

func recipient(r models.Recipientable) (address, name string) {
	if r == nil || r.GetEmailAddress() == nil {
		return "", ""
	}
	e := r.GetEmailAddress()
	return strings.ToLower(strings.TrimSpace(deref(e.GetAddress()))), strings.TrimSpace(deref(e.GetName()))
}

// isRemoved reports a delta tombstone.
func isRemoved(m models.Messageable) bool {
	if m == nil {
		return false
	}
	_, ok := m.GetAdditionalData()["@removed"]
	return ok
}
