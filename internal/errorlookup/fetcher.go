package errorlookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxTableSize bounds the downloaded document.
const maxTableSize = 32 << 20

// Fetcher downloads a fresh table.
type Fetcher interface {
	Fetch(ctx context.Context) (*Table, error)
}

// HTTPFetcher downloads the table from the vendor query endpoint.
type HTTPFetcher struct {
	url      string
	language string
	client   *http.Client
	now      func() time.Time
}

// NewHTTPFetcher creates a fetcher for baseURL in the given language.
// The language is sent as the lang query parameter and selects the
// sub-object of each table.
func NewHTTPFetcher(baseURL, language string, timeout time.Duration) *HTTPFetcher {
	if language == "" {
		language = "en"
	}
	return &HTTPFetcher{
		url:      baseURL,
		language: language,
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
	}
}

type entry struct {
	ECode string `json:"ecode"`
	Intro string `json:"intro"`
}

type queryResponse struct {
	Data *struct {
		DeviceHMS   map[string][]entry `json:"device_hms"`
		DeviceError map[string][]entry `json:"device_error"`
	} `json:"data"`
}

// Fetch downloads and decodes the table.
func (f *HTTPFetcher) Fetch(ctx context.Context) (*Table, error) {
	u, err := url.Parse(f.url)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing url: %w", ErrFetchFailed, err)
	}
	q := u.Query()
	q.Set("lang", f.language)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTableSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrFetchFailed, err)
	}
	return decodeTable(body, f.language, f.now())
}

// decodeTable parses the query document. Both tables are optional
// individually but at least one must be present.
func decodeTable(body []byte, language string, now time.Time) (*Table, error) {
	var doc queryResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTable, err)
	}
	if doc.Data == nil {
		return nil, fmt.Errorf("%w: no data object", ErrMalformedTable)
	}

	hms, okHMS := doc.Data.DeviceHMS[language]
	dev, okDev := doc.Data.DeviceError[language]
	if !okHMS && !okDev {
		return nil, fmt.Errorf("%w: no %q tables", ErrMalformedTable, language)
	}

	return &Table{
		HMS:       index(hms),
		Device:    index(dev),
		Language:  language,
		FetchedAt: now,
	}, nil
}

func index(entries []entry) map[string]string {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.ECode == "" {
			continue
		}
		m[normaliseKey(e.ECode)] = e.Intro
	}
	return m
}
