package x402

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// RecordedRequest is a replayable snapshot of an outgoing HTTP request. The
// body is captured once so that every replay sends identical bytes.
type RecordedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// RecordRequest snapshots r. r.Body is consumed and replaced with an
// equivalent reader.
func RecordRequest(r *http.Request) (*RecordedRequest, error) {
	rec := &RecordedRequest{
		Method: r.Method,
		URL:    r.URL.String(),
		Header: r.Header.Clone(),
	}
	if rec.Method == "" {
		rec.Method = http.MethodGet
	}
	if rec.Header == nil {
		rec.Header = http.Header{}
	}
	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		rec.Body = body
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	return rec, nil
}

// NewRequest builds a fresh *http.Request from the snapshot. Headers are
// cloned, so callers may add to them without affecting the snapshot.
func (rec *RecordedRequest) NewRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if rec.Body != nil {
		body = bytes.NewReader(rec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, rec.Method, rec.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = rec.Header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	return req, nil
}
