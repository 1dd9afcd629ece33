package throttle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxBodyBytes begrenzt jede gelesene Antwort (PDFs eingeschlossen).
const maxBodyBytes = 64 << 20

// UserAgentTransport fügt jeder Anfrage einen User-Agent-Header hinzu.
type UserAgentTransport struct {
	Transport http.RoundTripper
	UserAgent string
}

func (t *UserAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.UserAgent)
	base := t.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewHTTPClient erstellt den HTTP-Client für alle Provider. Das Timeout pro
// Versuch setzt der Fetcher über den Context; hier steht nur eine Obergrenze.
func NewHTTPClient(userAgent string) *http.Client {
	if userAgent == "" {
		userAgent = "paper-graph/1.0 (+https://github.com/paper-graph)"
	}
	return &http.Client{
		Timeout: 120 * time.Second,
		Transport: &UserAgentTransport{
			Transport: http.DefaultTransport,
			UserAgent: userAgent,
		},
	}
}

// Response ist eine vollständig gelesene HTTP-Antwort.
type Response struct {
	Body        []byte
	ContentType string
	URL         string
}

// HTTPGet führt einen einzelnen GET ohne Drosselung aus. Nicht-2xx-Antworten
// werden zu *StatusError.
func HTTPGet(ctx context.Context, client *http.Client, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, MarkPermanent(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return &Response{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		URL:         resp.Request.URL.String(),
	}, nil
}

// GetJSON ist HTTPGet plus JSON-Dekodierung in v.
func GetJSON(ctx context.Context, client *http.Client, rawURL string, v any) error {
	resp, err := HTTPGet(ctx, client, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

// Get ist HTTPGet unter dem Budget von source.
func (f *Fetcher) Get(ctx context.Context, client *http.Client, source, rawURL string) (*Response, error) {
	return Do(ctx, f, source, func(ctx context.Context) (*Response, error) {
		return HTTPGet(ctx, client, rawURL)
	})
}

// GetJSON ist GetJSON unter dem Budget von source.
func (f *Fetcher) GetJSON(ctx context.Context, client *http.Client, source, rawURL string, v any) error {
	return f.Call(ctx, source, func(ctx context.Context) error {
		return GetJSON(ctx, client, rawURL, v)
	})
}

// parseRetryAfter versteht Sekunden und HTTP-Datum.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
