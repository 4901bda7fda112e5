// Package hostabi implements the Host ABI (spec.md §4.2): the guest-visible
// body and fetching capabilities bridged over a per-invocation
// hostctx.Context and a process-global outbound HTTP client pool set.
package hostabi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edgerun/platform/internal/abi"
	"github.com/edgerun/platform/internal/hostctx"
)

// Fetcher owns the three process-global outbound HTTP client pools, one per
// redirect policy (spec.md §4.2, §5: "process-global, read-only after
// initialization"). A single Fetcher is shared by every invocation.
type Fetcher struct {
	once    sync.Once
	clients [3]*http.Client
}

// NewFetcher constructs the three redirect-policy-keyed client pools.
func NewFetcher() *Fetcher {
	f := &Fetcher{}
	f.init()
	return f
}

func (f *Fetcher) init() {
	f.once.Do(func() {
		transport := &http.Transport{
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
		}
		f.clients[abi.RedirectFollow] = &http.Client{Transport: transport}
		f.clients[abi.RedirectManual] = &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
		f.clients[abi.RedirectError] = &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return errors.New("redirect received with redirect-policy=error")
			},
		}
	})
}

// Send performs an outbound fetch on behalf of the guest, honoring
// req-options.timeout_ms as a hard per-request deadline, and binds the
// response body into hc (buffered as a finite body when Content-Length is
// present, streamed otherwise, per spec.md §4.2).
func (f *Fetcher) Send(ctx context.Context, hc *hostctx.Context, req abi.Request, reqBody []byte, opts abi.RequestOptions) (abi.Response, error) {
	f.init()

	uri := req.URI
	if !strings.Contains(uri, "://") {
		return abi.Response{}, &abi.RequestError{Kind: abi.RequestErrorInvalidURL, Detail: "missing scheme"}
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return abi.Response{}, &abi.RequestError{Kind: abi.RequestErrorInvalidURL, Detail: err.Error()}
	}

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(reqBody) > 0 {
		bodyReader = bytes.NewReader(reqBody)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, parsed.String(), bodyReader)
	if err != nil {
		return abi.Response{}, &abi.RequestError{Kind: abi.RequestErrorInvalidRequest, Detail: err.Error()}
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}

	client := f.clients[opts.Redirect]
	if client == nil {
		client = f.clients[abi.RedirectFollow]
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if reqCtx.Err() != nil {
			return abi.Response{}, &abi.RequestError{Kind: abi.RequestErrorTimeout}
		}
		if looksLikeConnectFailure(err) {
			return abi.Response{}, &abi.RequestError{Kind: abi.RequestErrorNetwork, Detail: err.Error()}
		}
		return abi.Response{}, &abi.RequestError{Kind: abi.RequestErrorInvalidRequest, Detail: err.Error()}
	}
	headers := make(abi.Headers, 0, len(resp.Header))
	for k, vs := range resp.Header {
		for _, v := range vs {
			headers = append(headers, abi.Header{Name: k, Value: v})
		}
	}

	out := abi.Response{Status: abi.StatusCode(resp.StatusCode), Headers: headers}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if _, convErr := strconv.Atoi(cl); convErr == nil {
			data, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return abi.Response{}, &abi.RequestError{Kind: abi.RequestErrorNetwork, Detail: readErr.Error()}
			}
			h := hc.SetBody(0, data)
			out.Body = bodyHandlePtr(h)
			return out, nil
		}
	}

	// No (parseable) content-length: stream to avoid a Transfer-Encoding mismatch.
	h := hc.NewEmptyBody()
	hc.BindStream(h, hostctx.NewReaderStream(resp.Body, abi.DefaultReadSize))
	out.Body = bodyHandlePtr(h)
	return out, nil
}

func bodyHandlePtr(h uint32) *abi.BodyHandle {
	bh := abi.BodyHandle(h)
	return &bh
}

// looksLikeConnectFailure implements spec.md §4.2's documented heuristic
// verbatim: "network-error is returned when the error text suggests connect
// failure; otherwise invalid-request". This must stay a text match, not a
// type assertion — http.Client.Do always wraps its error in *url.Error,
// which structurally satisfies net.Error (via Timeout()/Temporary()) no
// matter what actually went wrong underneath, so errors.As(err, &net.Error)
// would misclassify every non-timeout failure (bad redirect-policy errors,
// malformed responses, TLS failures, ...) as network-error.
func looksLikeConnectFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "no route to host")
}
