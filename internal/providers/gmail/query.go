package gmail

import (
	"fmt"
	"strings"
	"time"

	"github.com/Martian-dev/inbox-sync/internal/sync"
)

// initialWindow bounds the first sync so it never walks the whole mailbox
const initialWindow = 24 * time.Hour

// QueryStart is the lower bound of the listing for cursor: its Since, or
// the first-sync window before now.
func QueryStart(cursor sync.Cursor, now time.Time) time.Time {
	if cursor.Since != nil {
		return *cursor.Since
	}
	return now.Add(-initialWindow)
}

// BuildQuery turns a cursor into a Gmail search constraint.
func BuildQuery(cursor sync.Cursor, now time.Time) string {
	return afterQuery(QueryStart(cursor, now))
}

func afterQuery(start time.Time) string {
	return fmt.Sprintf("after:%d", start.Unix())
}

// messageIDQuery looks a message up by its RFC 822 Message-ID header.
func messageIDQuery(rfcMessageID string) string {
	id := strings.TrimSpace(rfcMessageID)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return "rfc822msgid:" + id
}
