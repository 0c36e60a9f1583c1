package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/felipepmaragno/chatcore/internal/httputil"
)

// Snapshot is the quota state derived from one read of the upstream
// payloads. Record is nil when the quota is unknown.
type Snapshot struct {
	Record    *domain.QuotaRecord `json:"record"`
	Unlimited bool                `json:"unlimited"`
	Source    string              `json:"source,omitempty"`
	FetchedAt time.Time           `json:"fetched_at"`
}

// Fetcher reads the token and subscription payloads with the bearer
// credential. Either URL may be empty.
type Fetcher struct {
	tokenURL        string
	subscriptionURL string
	client          *http.Client
	now             func() time.Time
}

func NewFetcher(tokenURL, subscriptionURL string, client *http.Client) *Fetcher {
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Fetcher{
		tokenURL:        tokenURL,
		subscriptionURL: subscriptionURL,
		client:          client,
		now:             time.Now,
	}
}

func (f *Fetcher) Configured() bool {
	return f.tokenURL != "" || f.subscriptionURL != ""
}

// Fetch reads both payloads and derives a Snapshot. It fails only when every
// configured source failed.
func (f *Fetcher) Fetch(ctx context.Context, credential string) (*Snapshot, error) {
	if credential == "" {
		return nil, domain.ErrMissingCredential
	}

	var (
		token, subscription any
		errs                []error
		succeeded           int
	)

	if f.tokenURL != "" {
		if err := f.getJSON(ctx, f.tokenURL, credential, &token); err != nil {
			errs = append(errs, fmt.Errorf("token payload: %w", err))
		} else {
			succeeded++
		}
	}
	if f.subscriptionURL != "" {
		if err := f.getJSON(ctx, f.subscriptionURL, credential, &subscription); err != nil {
			errs = append(errs, fmt.Errorf("subscription payload: %w", err))
		} else {
			succeeded++
		}
	}

	if succeeded == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return Derive(token, subscription, f.now()), nil
}

// Derive builds a Snapshot from already decoded payloads.
func Derive(token, subscription any, at time.Time) *Snapshot {
	var limited, unlimited any
	if m, ok := token.(map[string]any); ok {
		limited = m["limited_user_quotas"]
		unlimited = m["unlimited_user_quotas"]
	}

	snap := &Snapshot{
		Unlimited: HasUnlimitedTier(unlimited),
		FetchedAt: at,
	}
	record, source, ok := ExtractWith(Strategies, Sources{
		LimitedQuotas: limited,
		Token:         token,
		Subscription:  subscription,
	})
	if ok {
		snap.Record = &record
		snap.Source = source
	}
	return snap
}

func (f *Fetcher) getJSON(ctx context.Context, url, credential string, out *any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	httputil.SetBearer(req, credential)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.UpstreamError{Status: resp.StatusCode, Message: httputil.ErrorMessage(resp.Body)}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
