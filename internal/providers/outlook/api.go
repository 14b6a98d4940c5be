package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"
)

const inboxFolder = "inbox"

var graphScopes = []string{"https://graph.microsoft.com/.default"}

var messageFields = []string{
	"id", "conversationId", "internetMessageId", "subject", "from", "toRecipients",
	"body", "isRead", "hasAttachments", "receivedDateTime", "sentDateTime",
}

var (
	// ErrDeltaExpired means the stored delta link is no longer accepted
	// and the caller must start a fresh delta round.
	ErrDeltaExpired = errors.New("delta link expired")
	// ErrNotFound means the message does not exist.
	ErrNotFound = errors.New("message not found")
)

// Page is one page of a delta or search listing
type Page struct {
	Messages  []models.Messageable
	NextLink  string
	DeltaLink string
}

// API is the narrow Graph surface the adapter needs
type API interface {
	// Delta starts a delta round with filter when link is empty, otherwise
	// follows link (a next or delta link).
	Delta(ctx context.Context, link, filter string, pageSize int) (*Page, error)
	GetMessage(ctx context.Context, id string) (models.Messageable, error)
	SetRead(ctx context.Context, id string, read bool) error
	Search(ctx context.Context, query, link string, top int32) (*Page, error)
	FindByInternetMessageID(ctx context.Context, internetMessageID string) (string, error)
}

// APIFactory builds an API for mailbox from an authenticated token source
type APIFactory func(ctx context.Context, ts oauth2.TokenSource, mailbox string) (API, error)

// NewGraphAPI is the production APIFactory backed by the Graph SDK.
func NewGraphAPI(_ context.Context, ts oauth2.TokenSource, mailbox string) (API, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&tokenSourceCredential{ts: ts}, graphScopes)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &graphAPI{client: client, mailbox: mailbox}, nil
}

type graphAPI struct {
	client  *msgraphsdk.GraphServiceClient
	mailbox string
}

func (g *graphAPI) user() *users.UserItemRequestBuilder {
	return g.client.Users().ByUserId(g.mailbox)
}

func (g *graphAPI) Delta(ctx context.Context, link, filter string, pageSize int) (*Page, error) {
	builder := g.user().MailFolders().ByMailFolderId(inboxFolder).Messages().Delta()

	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", fmt.Sprintf("odata.maxpagesize=%d", pageSize))
	cfg := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{Headers: headers}

	if link != "" {
		builder = builder.WithUrl(link)
	} else {
		cfg.QueryParameters = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
			Select: messageFields,
		}
		if filter != "" {
			cfg.QueryParameters.Filter = &filter
		}
	}

	resp, err := builder.GetAsDeltaGetResponse(ctx, cfg)
	if err != nil {
		if link != "" && statusCode(err) == http.StatusGone {
			return nil, fmt.Errorf("%w: %v", ErrDeltaExpired, err)
		}
		return nil, err
	}
	return &Page{
		Messages:  resp.GetValue(),
		NextLink:  deref(resp.GetOdataNextLink()),
		DeltaLink: deref(resp.GetOdataDeltaLink()),
	}, nil
}

func (g *graphAPI) GetMessage(ctx context.Context, id string) (models.Messageable, error) {
	msg, err := g.user().Messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: append(append([]string{}, messageFields...), "internetMessageHeaders"),
		},
	})
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return msg, nil
}

func (g *graphAPI) SetRead(ctx context.Context, id string, read bool) error {
	body := models.NewMessage()
	body.SetIsRead(&read)
	_, err := g.user().Messages().ByMessageId(id).Patch(ctx, body, nil)
	return err
}

func (g *graphAPI) Search(ctx context.Context, query, link string, top int32) (*Page, error) {
	builder := g.user().Messages()
	var cfg *users.ItemMessagesRequestBuilderGetRequestConfiguration
	if link != "" {
		builder = builder.WithUrl(link)
	} else {
		search := `"` + query + `"`
		cfg = &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Search: &search,
				Top:    &top,
				Select: messageFields,
			},
		}
	}

	resp, err := builder.Get(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Page{Messages: resp.GetValue(), NextLink: deref(resp.GetOdataNextLink())}, nil
}

func (g *graphAPI) FindByInternetMessageID(ctx context.Context, internetMessageID string) (string, error) {
	filter := fmt.Sprintf("internetMessageId eq '%s'", escapeOData(internetMessageID))
	top := int32(1)
	resp, err := g.user().Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Filter: &filter,
			Top:    &top,
			Select: []string{"id"},
		},
	})
	if err != nil {
		return "", err
	}
	for _, m := range resp.GetValue() {
		if id := deref(m.GetId()); id != "" {
			return id, nil
		}
	}
	return "", nil
}

// tokenSourceCredential adapts an oauth2 token source to azcore
type tokenSourceCredential struct {
	ts oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}

func statusCode(err error) int {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		return oerr.ResponseStatusCode
	}
	var aerr *abstractions.ApiError
	if errors.As(err, &aerr) {
		return aerr.ResponseStatusCode
	}
	return 0
}

func escapeOData(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\'' {
			out = append(out, '\'')
		}
		out = append(out, r)
	}
	return string(out)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
