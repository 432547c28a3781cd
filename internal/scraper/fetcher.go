package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"jobmate/alert-service/internal/model"
)

const (
	adzunaBaseURL  = "https://api.adzuna.com/v1/api/jobs"
	adzunaPageSize = 50
	httpTimeout    = 15 * time.Second
)

// AdzunaFetcher searches the Adzuna public API. Every request is bounded by
// the client timeout, so a stuck provider never pins a worker.
type AdzunaFetcher struct {
	AppID    string
	AppKey   string
	Country  string // "fr", "gb", "us", …
	MaxPages int
	BaseURL  string
	client   *http.Client
	now      func() time.Time
}

// NewAdzunaFetcher constructs a fetcher with a shared HTTP client.
func NewAdzunaFetcher(appID, appKey, country string, maxPages int) *AdzunaFetcher {
	if maxPages < 1 {
		maxPages = 1
	}
	return &AdzunaFetcher{
		AppID:    appID,
		AppKey:   appKey,
		Country:  country,
		MaxPages: maxPages,
		BaseURL:  adzunaBaseURL,
		client:   &http.Client{Timeout: httpTimeout},
		now:      time.Now,
	}
}

// adzunaResponse mirrors the top-level Adzuna JSON response.
type adzunaResponse struct {
	Results []adzunaResult `json:"results"`
	Count   int            `json:"count"`
}

// adzunaResult mirrors a single Adzuna job listing.
type adzunaResult struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Company      adzunaCompany  `json:"company"`
	Location     adzunaLocation `json:"location"`
	SalaryMin    float64        `json:"salary_min"`
	SalaryMax    float64        `json:"salary_max"`
	RedirectURL  string         `json:"redirect_url"`
	ContractTime string         `json:"contract_time"`
	ContractType string         `json:"contract_type"`
}

type adzunaCompany struct {
	DisplayName string `json:"display_name"`
}

type adzunaLocation struct {
	DisplayName string `json:"display_name"`
}

// employmentFlags maps our employment types onto Adzuna boolean filters.
var employmentFlags = map[string]string{
	"full_time": "full_time",
	"part_time": "part_time",
	"permanent": "permanent",
	"contract":  "contract",
}

// Search returns normalised listings for the query. employmentType is a
// comma-separated list (e.g. "full_time,contract"); unknown values are ignored.
func (f *AdzunaFetcher) Search(ctx context.Context, query, location string, remoteOnly bool, employmentType string) ([]model.Listing, error) {
	if f.AppID == "" || f.AppKey == "" {
		return nil, fmt.Errorf("%w: ADZUNA_APP_ID / ADZUNA_APP_KEY not set", ErrUnauthenticated)
	}

	what := strings.TrimSpace(query)
	if remoteOnly && !strings.Contains(strings.ToLower(what), "remote") {
		what = strings.TrimSpace(what + " remote")
	}

	var listings []model.Listing
	for page := 1; page <= f.MaxPages; page++ {
		batch, err := f.fetchPage(ctx, what, location, employmentType, page)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		listings = append(listings, batch...)
		if len(batch) < adzunaPageSize {
			break // Last page
		}
	}
	return listings, nil
}

func (f *AdzunaFetcher) fetchPage(ctx context.Context, what, location, employmentType string, page int) ([]model.Listing, error) {
	endpoint := fmt.Sprintf("%s/%s/search/%d", f.BaseURL, f.Country, page)

	params := url.Values{}
	params.Set("app_id", f.AppID)
	params.Set("app_key", f.AppKey)
	params.Set("results_per_page", strconv.Itoa(adzunaPageSize))
	params.Set("what", what)
	if location != "" {
		params.Set("where", location)
	}
	params.Set("content-type", "application/json")
	params.Set("sort_by", "date")
	for _, t := range strings.Split(employmentType, ",") {
		if flag, ok := employmentFlags[strings.ToLower(strings.TrimSpace(t))]; ok {
			params.Set(flag, "1")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if isNetworkError(err) {
			return nil, fmt.Errorf("%w: http GET: %v", ErrTransient, err)
		}
		return nil, fmt.Errorf("http GET: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var apiResp adzunaResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}

	fetchedAt := f.now().UTC()
	listings := make([]model.Listing, 0, len(apiResp.Results))
	for _, r := range apiResp.Results {
		contract := r.ContractType
		if contract == "" {
			contract = r.ContractTime
		}
		listings = append(listings, model.Listing{
			ExternalID:   externalID(r.ID, r.Company.DisplayName, r.Title, fetchedAt),
			Title:        r.Title,
			Company:      r.Company.DisplayName,
			Location:     r.Location.DisplayName,
			Description:  r.Description,
			SalaryMin:    r.SalaryMin,
			SalaryMax:    r.SalaryMax,
			ApplyURL:     r.RedirectURL,
			ContractType: contract,
			FetchedAt:    fetchedAt,
		})
	}
	return listings, nil
}

// classifyStatus maps a non-200 response onto the provider error classes.
func classifyStatus(code int, body []byte) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: adzuna returned %d", ErrRateLimited, code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: adzuna returned %d", ErrUnauthenticated, code)
	case code >= 500:
		return fmt.Errorf("%w: adzuna returned %d", ErrTransient, code)
	default:
		return fmt.Errorf("adzuna returned %d: %s", code, truncate(string(body), 200))
	}
}

// externalID prefers the provider id; without one it hashes company, title
// and fetch time.
func externalID(providerID, company, title string, fetchedAt time.Time) string {
	if providerID != "" {
		return providerID
	}
	sum := sha256.Sum256([]byte(company + "|" + title + "|" + fetchedAt.Format(time.RFC3339Nano)))
	return "h-" + hex.EncodeToString(sum[:])[:32]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
