// Package portal talks to the fund-disclosure portal: paginated report
// search and raw instance document download.
package portal

import (
	"net/url"
	"strings"
	"time"

	"github.com/sells-group/fundsync/internal/fetcher"
)

const (
	// DefaultSearchURL is the portal's advanced report search endpoint.
	DefaultSearchURL = "http://eid.csrc.gov.cn/fund/disclose/advanced_search_report.do"
	// DefaultDownloadURLTemplate resolves an upload id to its instance document.
	DefaultDownloadURLTemplate = "http://eid.csrc.gov.cn/fund/disclose/instance_html_view.do?instanceid={id}"

	// minSearchBody is the smallest search body that can carry a result table.
	minSearchBody = 10
	// minDocumentBody flags downloads that are likely soft-failure pages.
	minDocumentBody = 100
)

// Options configures a Client.
type Options struct {
	SearchURL           string
	DownloadURLTemplate string

	// PageDelay is slept between pages in SearchAll.
	PageDelay time.Duration
}

// Client implements report discovery and download on top of a Fetcher. It
// holds no mutable state and may be shared by all workers.
type Client struct {
	fetch fetcher.Fetcher
	opts  Options

	nowFunc func() time.Time
}

// New creates a portal client. Empty URLs fall back to the public portal.
func New(f fetcher.Fetcher, opts Options) *Client {
	if opts.SearchURL == "" {
		opts.SearchURL = DefaultSearchURL
	}
	if opts.DownloadURLTemplate == "" {
		opts.DownloadURLTemplate = DefaultDownloadURLTemplate
	}
	return &Client{fetch: f, opts: opts, nowFunc: time.Now}
}

// DownloadURL resolves the instance URL for uploadID. The id is
// query-escaped.
func (c *Client) DownloadURL(uploadID string) string {
	return strings.ReplaceAll(c.opts.DownloadURLTemplate, "{id}", url.QueryEscape(uploadID))
}
