package gmail

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const user = "me"

// API is the narrow Gmail surface the adapter needs
type API interface {
	ListMessages(ctx context.Context, query, pageToken string, maxResults int64) (*gmail.ListMessagesResponse, error)
	GetMessage(ctx context.Context, id string) (*gmail.Message, error)
	ModifyMessage(ctx context.Context, id string, add, remove []string) (*gmail.Message, error)
	GetProfile(ctx context.Context) (*gmail.Profile, error)
}

// APIFactory builds an API from an authenticated token source
type APIFactory func(ctx context.Context, ts oauth2.TokenSource) (API, error)

// NewServiceAPI is the production APIFactory backed by *gmail.Service.
func NewServiceAPI(ctx context.Context, ts oauth2.TokenSource) (API, error) {
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &serviceAPI{svc: svc}, nil
}

type serviceAPI struct {
	svc *gmail.Service
}

func (s *serviceAPI) ListMessages(ctx context.Context, query, pageToken string, maxResults int64) (*gmail.ListMessagesResponse, error) {
	call := s.svc.Users.Messages.List(user).Q(query).IncludeSpamTrash(false).MaxResults(maxResults)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Context(ctx).Do()
}

func (s *serviceAPI) GetMessage(ctx context.Context, id string) (*gmail.Message, error) {
	return s.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
}

func (s *serviceAPI) ModifyMessage(ctx context.Context, id string, add, remove []string) (*gmail.Message, error) {
	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}
	return s.svc.Users.Messages.Modify(user, id, req).Context(ctx).Do()
}

func (s *serviceAPI) GetProfile(ctx context.Context) (*gmail.Profile, error) {
	return s.svc.Users.GetProfile(user).Context(ctx).Do()
}
