package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Message is one mailbox message in provider-neutral form.
type Message struct {
	Id         string
	ThreadId   string
	Subject    string
	From       string
	ReceivedAt time.Time
	Snippet    string
	Body       string
}

// MessageSource is the read-only mailbox surface the scan worker consumes.
// Implementations must be safe for use behind a shared AccessQueue.
type MessageSource interface {
	Search(ctx context.Context, query string, cursor string, pageSize int64) (ids []string, nextCursor string, err error)
	Fetch(ctx context.Context, id string) (*Message, error)
	RefreshAuth(ctx context.Context) error
}

type gmailSource struct {
	service     *gmail.Service
	tokenSource oauth2.TokenSource
	oauthConfig *oauth2.Config
	refreshTok  string
}

// NewGmailSource builds a MessageSource over the Gmail API using the host's
// stored refresh token. Client credentials come from the environment.
func NewGmailSource(ctx context.Context, refreshToken string) (MessageSource, error) {
	clientId := strings.TrimSpace(os.Getenv("GMAIL_CLIENT_ID"))
	clientSecret := strings.TrimSpace(os.Getenv("GMAIL_CLIENT_SECRET"))
	if clientId == "" || clientSecret == "" {
		return nil, errors.New("gmail client credentials are not configured")
	}
	if strings.TrimSpace(refreshToken) == "" {
		return nil, errors.New("gmail refresh token is empty")
	}

	oauthConfig := &oauth2.Config{
		ClientID:     clientId,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		Scopes: []string{gmail.GmailReadonlyScope},
	}
	tokenSource := oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, err
	}
	return &gmailSource{
		service:     service,
		tokenSource: tokenSource,
		oauthConfig: oauthConfig,
		refreshTok:  refreshToken,
	}, nil
}

func (s *gmailSource) Search(ctx context.Context, query string, cursor string, pageSize int64) ([]string, string, error) {
	call := s.service.Users.Messages.List("me").Q(query).Context(ctx)
	if pageSize > 0 {
		call = call.MaxResults(pageSize)
	}
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, "", err
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, resp.NextPageToken, nil
}

func (s *gmailSource) Fetch(ctx context.Context, id string) (*Message, error) {
	raw, err := s.service.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	message := &Message{
		Id:         raw.Id,
		ThreadId:   raw.ThreadId,
		Snippet:    raw.Snippet,
		ReceivedAt: time.UnixMilli(raw.InternalDate),
	}
	if raw.Payload != nil {
		for _, header := range raw.Payload.Headers {
			switch strings.ToLower(header.Name) {
			case "subject":
				message.Subject = header.Value
			case "from":
				message.From = header.Value
			}
		}
		message.Body = extractPlainText(raw.Payload)
	}
	return message, nil
}

// RefreshAuth forces a fresh access token from the refresh token.
func (s *gmailSource) RefreshAuth(ctx context.Context) error {
	_, err := s.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: s.refreshTok}).Token()
	return err
}

// extractPlainText walks MIME parts depth-first and returns the first
// text/plain body, falling back to text/html stripped of nothing.
func extractPlainText(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if strings.HasPrefix(part.MimeType, "text/plain") && part.Body != nil && part.Body.Data != "" {
		if decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(part.Body.Data); err == nil {
			return string(decoded)
		}
	}
	for _, child := range part.Parts {
		if body := extractPlainText(child); body != "" {
			return body
		}
	}
	if strings.HasPrefix(part.MimeType, "text/html") && part.Body != nil && part.Body.Data != "" {
		if decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(part.Body.Data); err == nil {
			return string(decoded)
		}
	}
	return ""
}
