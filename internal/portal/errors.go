package portal

import "fmt"

// ProtocolError reports a search response that is not the expected JSON table.
type ProtocolError struct {
	URL     string
	Snippet string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("portal: undecodable search response from %s: %v (body %q)", e.URL, e.Err, e.Snippet)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func snippet(body []byte) string {
	const limit = 120
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
