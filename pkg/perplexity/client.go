// Package perplexity asks the Perplexity API for web-grounded answers and
// returns them with their citations.
package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/sells-group/abi-engine/internal/resilience"
)

const (
	defaultBaseURL = "https://api.perplexity.ai"
	defaultModel   = "sonar-pro"
	source         = "perplexity"
	maxErrorBody   = 512
)

// ErrEmptyPrompt is returned when a query has no prompt.
var ErrEmptyPrompt = eris.New("perplexity: empty prompt")

// Recency limits how old the pages behind an answer may be.
type Recency string

// Recency filters accepted by the API.
const (
	AnyTime   Recency = ""
	PastDay   Recency = "day"
	PastWeek  Recency = "week"
	PastMonth Recency = "month"
)

// Query is one grounded question.
type Query struct {
	System  string
	Prompt  string
	Recency Recency
	// Domains restricts the search to these hosts. A leading "-" excludes one.
	Domains   []string
	MaxTokens int
	// Model overrides the client default for this call.
	Model string
}

// Citation is one page the answer leans on.
type Citation struct {
	Title string
	URL   string
	Date  string
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Answer is the model's reply with citations merged from search results and
// the bare citation list, deduplicated by URL.
type Answer struct {
	ID        string
	Model     string
	Text      string
	Citations []Citation
	Usage     Usage
}

// Client answers grounded questions.
type Client interface {
	Ask(ctx context.Context, q Query) (*Answer, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL points the client at another API host.
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit caps requests per second. Zero or less disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = nil
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient returns a Client for the given API key.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model               string        `json:"model"`
	Messages            []wireMessage `json:"messages"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
	SearchRecencyFilter string        `json:"search_recency_filter,omitempty"`
	SearchDomainFilter  []string      `json:"search_domain_filter,omitempty"`
}

func (c *httpClient) Ask(ctx context.Context, q Query) (*Answer, error) {
	if strings.TrimSpace(q.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "perplexity: rate limit wait")
		}
	}

	req := wireRequest{
		Model:               c.model,
		MaxTokens:           q.MaxTokens,
		SearchRecencyFilter: string(q.Recency),
		SearchDomainFilter:  q.Domains,
	}
	if q.Model != "" {
		req.Model = q.Model
	}
	if q.System != "" {
		req.Messages = append(req.Messages, wireMessage{Role: "system", Content: q.System})
	}
	req.Messages = append(req.Messages, wireMessage{Role: "user", Content: q.Prompt})

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, resilience.Upstream(source, 0, eris.Wrap(err, "perplexity: send request"))
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.Upstream(source, 0, eris.Wrap(err, "perplexity: read response"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.Upstream(source, resp.StatusCode,
			eris.Errorf("perplexity: status %d: %s", resp.StatusCode, errorMessage(raw)))
	}
	return parseAnswer(raw)
}

func parseAnswer(raw []byte) (*Answer, error) {
	if !gjson.ValidBytes(raw) {
		return nil, eris.New("perplexity: malformed response")
	}
	r := gjson.ParseBytes(raw)
	a := &Answer{
		ID:    r.Get("id").String(),
		Model: r.Get("model").String(),
		Text:  r.Get("choices.0.message.content").String(),
		Usage: Usage{
			PromptTokens:     int(r.Get("usage.prompt_tokens").Int()),
			CompletionTokens: int(r.Get("usage.completion_tokens").Int()),
		},
	}

	seen := make(map[string]bool)
	add := func(c Citation) {
		if c.URL == "" || seen[c.URL] {
			return
		}
		seen[c.URL] = true
		if c.Title == "" {
			c.Title = c.URL
		}
		a.Citations = append(a.Citations, c)
	}
	r.Get("search_results").ForEach(func(_, v gjson.Result) bool {
		add(Citation{Title: v.Get("title").String(), URL: v.Get("url").String(), Date: v.Get("date").String()})
		return true
	})
	r.Get("citations").ForEach(func(_, v gjson.Result) bool {
		add(Citation{URL: v.String()})
		return true
	})
	return a, nil
}

// errorMessage pulls a readable message out of an error body.
func errorMessage(raw []byte) string {
	for _, path := range []string{"error.message", "error", "detail"} {
		if v := gjson.GetBytes(raw, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return msg
}
