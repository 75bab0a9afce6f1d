package pose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/banshee-data/blob.track/internal/httputil"
)

// HTTPSink posts each pose as JSON to a pointing controller.
type HTTPSink struct {
	URL    string
	Client httputil.HTTPClient
}

// NewHTTPSink returns a sink posting to url. A nil client uses
// http.DefaultClient.
func NewHTTPSink(url string, client httputil.HTTPClient) *HTTPSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSink{URL: url, Client: client}
}

// Aim posts p and treats any non-2xx reply as an error.
func (s *HTTPSink) Aim(ctx context.Context, p Pose) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pose: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post pose: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post pose: controller returned %d", resp.StatusCode)
	}
	return nil
}
