package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"

	"github.com/drklauncher/launcher_downloads/internal/logctx"
	"github.com/drklauncher/launcher_downloads/internal/telemetry"
	"github.com/drklauncher/launcher_downloads/internal/transfer"
)

// PutioResolver resolves putio://<fileID> links to direct download URLs.
type PutioResolver struct {
	putioClient *putio.Client
	telemetry   *telemetry.Telemetry
}

// NewPutioResolver builds a resolver authenticated with token. base is the HTTP client the
// OAuth2 transport is layered on; baseURL overrides the API endpoint when not empty.
func NewPutioResolver(token, baseURL string, base *http.Client, tel *telemetry.Telemetry) (*PutioResolver, error) {
	ctx := context.Background()
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := putio.NewClient(oauth2.NewClient(ctx, tokenSource))

	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid put.io base url: %w", err)
		}

		client.BaseURL = u
	}

	return &PutioResolver{putioClient: client, telemetry: tel}, nil
}

func (r *PutioResolver) Scheme() string {
	return "putio"
}

// Resolve asks put.io for a direct link to the file id in the URL host.
func (r *PutioResolver) Resolve(ctx context.Context, u *url.URL) (string, error) {
	fileID, err := strconv.ParseInt(strings.TrimPrefix(u.Host+u.Path, "/"), 10, 64)
	if err != nil {
		return "", &transfer.TransportError{Operation: "resolve", Message: fmt.Sprintf("invalid put.io file id in %q", u.String()), Err: err}
	}

	var link string

	err = r.telemetry.InstrumentTransport(ctx, "putio", "resolve", func(ctx context.Context) error {
		var err error

		link, err = r.putioClient.Files.URL(ctx, fileID, false)

		return err
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to get file download url", "file_id", fileID, "err", err)

		return "", &transfer.TransportError{Operation: "resolve", Message: "failed to get file download url", Err: err}
	}

	return link, nil
}

// Authenticate checks the token by reading the account info.
func (r *PutioResolver) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	err := r.telemetry.InstrumentTransport(ctx, "putio", "authenticate", func(ctx context.Context) error {
		user, err := r.putioClient.Account.Info(ctx)
		if err != nil {
			return err
		}

		logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

		return nil
	})
	if err != nil {
		return &transfer.AuthenticationError{Operation: "putio_account_info", Err: err}
	}

	return nil
}
