// Package publishers holds the per-platform upload state machines.
package publishers

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/psalmprax/ettametta/config"
	xerrors "github.com/psalmprax/ettametta/errors"
	"github.com/psalmprax/ettametta/tokens"
)

// PostMetadata is the caption/description payload attached to an upload.
type PostMetadata struct {
	Title       string
	Description string
	Hashtags    []string
}

// Publisher uploads one video to one platform and returns the remote URL.
type Publisher interface {
	Platform() string
	Upload(ctx context.Context, path string, metadata PostMetadata, accountID string) (string, error)
}

// Registry maps platform names to publishers; built at startup, read-only
// afterwards.
type Registry struct {
	publishers map[string]Publisher
}

func NewRegistry(publishers ...Publisher) *Registry {
	r := &Registry{publishers: map[string]Publisher{}}
	for _, p := range publishers {
		r.publishers[p.Platform()] = p
	}
	return r
}

func (r *Registry) For(platform string) (Publisher, bool) {
	p, ok := r.publishers[platform]
	return p, ok
}

// TokenSource is the credential surface publishers need.
type TokenSource interface {
	Get(ctx context.Context, platform, accountID string) (tokens.Token, error)
	Refresh(ctx context.Context, platform, accountID string) (tokens.Token, error)
}

// freshToken returns a usable credential, refreshing when it expires within
// the skew window. Refresh failure is an Auth failure: the state machine
// yields without consuming upload retries.
func freshToken(ctx context.Context, source TokenSource, platform, accountID string) (tokens.Token, error) {
	token, err := source.Get(ctx, platform, accountID)
	if err != nil {
		return tokens.Token{}, err
	}
	if !token.NeedsRefresh(config.Clock.GetTime().UTC()) {
		return token, nil
	}
	refreshed, err := source.Refresh(ctx, platform, accountID)
	if err != nil {
		return tokens.Token{}, xerrors.Wrap(xerrors.KindAuth, err)
	}
	return refreshed, nil
}

func chunkRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, 3)
}
