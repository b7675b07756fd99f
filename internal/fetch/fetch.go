// SPDX-License-Identifier: MIT

// Package fetch retrieves remote EPG documents and feeds them to the
// splitter, and uploads the daemon log on request.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/epgd/epgd/internal/epg"
)

// maxRedirects is the number of 302 hops followed before giving up.
const maxRedirects = 5

const (
	requestTimeout = 2 * time.Minute
	maxBodySize    = 256 * 1024 * 1024
)

var (
	ErrTooManyRedirects       = errors.New("too many redirects")
	ErrUnknownContentType     = errors.New("unknown content type")
	ErrUnsupportedContentType = errors.New("unsupported content type")
)

// StatusError reports a non-200, non-302 HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wrong http response code: %d", e.Code)
}

// mimeExtensions maps a trimmed Content-Type to the effective extension used
// for dispatch. Types outside this table fall back to the URL's filename.
var mimeExtensions = map[string]string{
	"text/xml":                 "xml",
	"application/xml":          "xml",
	"application/xhtml+xml":    "xml",
	"application/gzip":         "gz",
	"application/x-gzip":       "gz",
	"application/gzip-stream":  "gz",
	"application/octet-stream": "bin",
}

func newClient() *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		// The daemon decodes gzip itself, keyed on the effective extension.
		Transport: &http.Transport{DisableCompression: true, Proxy: http.ProxyFromEnvironment},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if req.Response.StatusCode != http.StatusFound {
				return http.ErrUseLastResponse
			}
			if len(via) > maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
}

// Get performs the redirect-following GET and returns the body and the
// Content-Type header value.
func Get(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}

	resp, err := newClient().Do(req)
	if err != nil {
		if errors.Is(err, ErrTooManyRedirects) {
			return nil, "", ErrTooManyRedirects
		}
		return nil, "", fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, "", &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// effectiveExtension resolves the dispatch extension from the Content-Type,
// falling back to the URL's filename extension.
func effectiveExtension(contentType, rawURL string) string {
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(strings.ToLower(ct))
	if ext, ok := mimeExtensions[ct]; ok {
		return ext
	}
	if u, err := url.Parse(rawURL); err == nil {
		return strings.TrimPrefix(path.Ext(u.Path), ".")
	}
	return ""
}

// isXMLExt accepts "xml" case-insensitively, allowing a leading '*'.
func isXMLExt(ext string) bool {
	return strings.EqualFold(strings.TrimPrefix(ext, "*"), "xml")
}

func isGzipExt(ext string) bool {
	return strings.EqualFold(ext, "gz") || strings.EqualFold(ext, "bin")
}

// RefreshURL downloads the EPG document at rawURL and splits it into outDir.
// Gzipped payloads are decoded before splitting.
func RefreshURL(ctx context.Context, rawURL, outDir string) (epg.Result, error) {
	body, contentType, err := Get(ctx, rawURL)
	if err != nil {
		return epg.Result{}, err
	}

	ext := effectiveExtension(contentType, rawURL)
	if ext == "" {
		return epg.Result{}, ErrUnknownContentType
	}

	switch {
	case isXMLExt(ext):
		return epg.Split(bytes.NewReader(body), outDir)
	case isGzipExt(ext):
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return epg.Result{}, fmt.Errorf("gunzip: %w", err)
		}
		defer gz.Close() //nolint:errcheck
		return epg.Split(gz, outDir)
	default:
		return epg.Result{}, fmt.Errorf("%w: %s", ErrUnsupportedContentType, ext)
	}
}

// PostFile uploads the file at path to the given HTTP(S) endpoint.
func PostFile(ctx context.Context, filePath, rawURL string) error {
	f, err := os.Open(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close() //nolint:errcheck

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, f)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := (&http.Client{Timeout: requestTimeout}).Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", rawURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
