// Package clients provides HTTP clients for the platform services the job
// handlers depend on: the vector store and the ingestion service. Both speak
// plain JSON over the services' v1 APIs.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docfold/docfold/config"
	"github.com/docfold/docfold/errors"
)

const defaultRequestTimeout = 30 * time.Second

// httpClientFor builds the shared HTTP client from service config
func httpClientFor(cfg *config.ServicesConfig) *http.Client {
	timeout := defaultRequestTimeout
	if cfg != nil && cfg.RequestTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// doJSON issues a request and decodes the JSON response into out (when out
// is non-nil). Non-2xx responses become errors carrying the body text.
func doJSON(ctx context.Context, client *http.Client, method, rawURL string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return errors.Wrapf(err, "build %s %s", method, rawURL)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Newf("%s %s: status %d: %s",
			method, rawURL, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, rawURL)
	}
	return nil
}

func joinURL(base string, parts ...string) string {
	u := strings.TrimRight(base, "/")
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}
