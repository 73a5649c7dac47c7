package userapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	autherr "github.com/alexjbarnes/authgate/internal/errors"
	"github.com/alexjbarnes/authgate/internal/models"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/tidwall/gjson"
)

const (
	headerApplicationKey = "X-APPLICATION-KEY"
	latestTnCKey         = "latest"
)

// TnCClient fetches the latest terms and conditions document and keeps
// it in a short-lived cache.
type TnCClient struct {
	httpClient *http.Client
	url        string
	appKey     string
	ttl        time.Duration
	cache      *ristretto.Cache[string, *models.TnC]
}

// NewTnCClient creates a client for the TNC endpoint at url. A ttl of
// zero disables caching.
func NewTnCClient(url, appKey string, ttl time.Duration, httpClient *http.Client) (*TnCClient, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *models.TnC]{
		NumCounters: 100,
		MaxCost:     10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tnc cache: %w", err)
	}

	return &TnCClient{
		httpClient: httpClient,
		url:        url,
		appKey:     appKey,
		ttl:        ttl,
		cache:      cache,
	}, nil
}

// Close releases the cache.
func (c *TnCClient) Close() {
	c.cache.Close()
}

// LatestTnC returns the latest document. A 404 is reported as an error
// wrapping ErrNotFound.
func (c *TnCClient) LatestTnC(ctx context.Context) (*models.TnC, error) {
	if tnc, ok := c.cache.Get(latestTnCKey); ok {
		return tnc, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set(headerApplicationKey, c.appKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET tnc: %w", autherr.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading tnc response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("tnc: %w", autherr.ErrNotFound)
	default:
		return nil, apiError("tnc", resp.StatusCode, body)
	}

	tnc, err := parseTnC(body)
	if err != nil {
		return nil, err
	}

	if c.ttl > 0 {
		c.cache.SetWithTTL(latestTnCKey, tnc, 1, c.ttl)
		c.cache.Wait()
	}

	return tnc, nil
}

func parseTnC(body []byte) (*models.TnC, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: tnc body is not JSON", autherr.ErrAPIResponse)
	}

	doc := gjson.ParseBytes(body)

	version := doc.Get("version")
	if !version.Exists() {
		return nil, fmt.Errorf("%w: tnc body has no version", autherr.ErrAPIResponse)
	}

	tnc := &models.TnC{
		Version: version.String(),
		Content: models.TnCContent{
			PrivacyAct:         doc.Get("content.privacyAct").String(),
			TermsAndConditions: doc.Get("content.termsAndConditions").String(),
		},
	}

	if created := doc.Get("createdAt").String(); created != "" {
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("%w: tnc createdAt: %w", autherr.ErrAPIResponse, err)
		}

		tnc.CreatedAt = t
	}

	return tnc, nil
}
