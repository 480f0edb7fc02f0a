package nntpengine

import (
	"context"
	"errors"
	"strings"

	"github.com/avast/retry-go/v4"
	"github.com/javi11/nntppool/v4"

	"github.com/usenetsync/usenetsync/internal/corekind"
)

// Post sends a fully rendered article (headers, yEnc envelope, body) to the
// primary server, retrying transient failures per the configured
// RetryPolicy (spec.md §4.5). It is never retried against the fallback
// pool: the spec requires the chosen server to own the posted article.
func (e *Engine) Post(ctx context.Context, article string) error {
	e.mu.RLock()
	client := e.primary
	e.mu.RUnlock()
	if client == nil {
		return corekind.New(corekind.StorageUnavailable, "no primary NNTP server configured")
	}

	opts := e.retry.options(
		func(err error) bool { return isTransient(err) },
		func(n uint, err error) {
			e.log.WarnContext(ctx, "retrying article post", "attempt", n+1, "error", err)
		},
	)
	opts = append(opts, retry.Context(ctx))

	err := retry.Do(func() error {
		return client.Post(ctx, strings.NewReader(article))
	}, opts...)
	if err != nil {
		return corekind.Wrap(classify(err), err, "post article to primary server")
	}
	return nil
}

// isTransient reports whether err is worth retrying: anything except a
// cancelled or timed-out context or a permanent rejection of the article
// itself (spec.md §4.5's
// provider_fatal vs provider_transient split, §7).
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !isFatalPostError(err)
}

func isFatalPostError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{"article rejected", "posting not permitted", "bad article", "441", "440"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

func classify(err error) corekind.Kind {
	if errors.Is(err, context.Canceled) {
		return corekind.Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return corekind.ProviderTransient
	}
	if errors.Is(err, nntppool.ErrArticleNotFound) {
		return corekind.NotFound
	}
	if isFatalPostError(err) {
		return corekind.ProviderFatal
	}
	return corekind.ProviderTransient
}
