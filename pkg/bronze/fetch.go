package bronze

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/verdantlabs/carbonlake/pkg/retry"
)

// DefaultSourceURL is the published OWID CO2 dataset.
const DefaultSourceURL = "https://raw.githubusercontent.com/owid/co2-data/master/owid-co2-data.csv"

type FetcherConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Store      *Store
	SourceURL  string
	HTTPClient *http.Client
	Retry      retry.Config
}

func (cfg *FetcherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("bronze store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SourceURL == "" {
		cfg.SourceURL = DefaultSourceURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Fetcher downloads the upstream dataset and writes it as today's snapshot.
type Fetcher struct {
	log *slog.Logger
	cfg FetcherConfig
}

func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Fetcher{log: cfg.Logger, cfg: cfg}, nil
}

type httpStatusError struct {
	code int
	url  string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.code, e.url)
}

func (e *httpStatusError) StatusCode() int {
	return e.code
}

// Fetch downloads the source dataset and ingests it under the current UTC
// date. It returns the snapshot date written.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	snapshotDate := f.cfg.Clock.Now().UTC().Format(DateLayout)

	var body []byte
	err := retry.Do(ctx, f.cfg.Retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.SourceURL, nil)
		if err != nil {
			return err
		}
		resp, err := f.cfg.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &httpStatusError{code: resp.StatusCode, url: f.cfg.SourceURL}
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch source dataset: %w", err)
	}

	f.log.Info("source dataset downloaded", "url", f.cfg.SourceURL, "bytes", len(body))

	if err := f.cfg.Store.Write(ctx, snapshotDate, body); err != nil {
		return "", err
	}
	return snapshotDate, nil
}
