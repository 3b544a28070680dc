// Package recognizer is a client for a Plate Recognizer compatible
// plate-reading service.
package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"time"

	"github.com/septivank/anpr-toll-worker/internal/domain"
)

const serviceName = "plate recognition"

// Candidate is one plate reading with its confidence score
type Candidate struct {
	Plate string  `json:"plate"`
	Score float64 `json:"score"`
}

// Recognizer reads plates from camera frames
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) ([]Candidate, error)
}

// Client calls the remote plate reader
type Client struct {
	url        string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a recognizer client. Each call is bounded by timeout.
func NewClient(url, apiKey string, timeout time.Duration) *Client {
	return &Client{
		url:        url,
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

type readerResponse struct {
	Results []Candidate `json:"results"`
}

// Recognize uploads image as frame.jpg and returns the candidates ordered by
// descending score. Transport failures, timeouts and non-2xx responses are
// domain.UpstreamError.
func (c *Client) Recognize(ctx context.Context, image []byte) ([]Candidate, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("upload", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Token "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.UpstreamError{Service: serviceName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, domain.UpstreamError{
			Service: serviceName,
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)),
		}
	}

	var decoded readerResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, domain.UpstreamError{Service: serviceName, Err: fmt.Errorf("malformed response: %w", err)}
	}

	sort.SliceStable(decoded.Results, func(i, j int) bool {
		return decoded.Results[i].Score > decoded.Results[j].Score
	})
	return decoded.Results, nil
}

// Top returns the best candidate scoring at least minScore
func Top(candidates []Candidate, minScore float64) (Candidate, bool) {
	for _, c := range candidates {
		if c.Plate != "" && c.Score >= minScore {
			return c, true
		}
	}
	return Candidate{}, false
}
