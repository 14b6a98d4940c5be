package natsjs

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"

	"github.com/Martian-dev/inbox-sync/internal/sync"
)

func TestDefaultStreamCoversMessageSubjects(t *testing.T) {
	cfg := DefaultStream.natsConfig()
	assert.Equal(t, "INBOX_EVENTS", cfg.Name)
	assert.Equal(t, nats.FileStorage, cfg.Storage)
	assert.Equal(t, 10*time.Minute, cfg.Duplicates)

	subject := sync.Subject(sync.Account{ID: "org.acc"})
	assert.Equal(t, "inbox.org_acc.message.synced", subject)
	assert.Contains(t, cfg.Subjects, "inbox.>")
}
