// Package fetcher is the outbound HTTP transport for the disclosure portal.
package fetcher

import (
	"context"
	"io"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// Fetch fetches the URL and returns the whole body.
	Fetch(ctx context.Context, url string) ([]byte, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

var _ Fetcher = (*HTTPFetcher)(nil)
