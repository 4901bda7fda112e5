package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"

	"github.com/edgerun/platform/internal/abi"
	"github.com/edgerun/platform/internal/hostabi"
	"github.com/edgerun/platform/internal/hostctx"
	"github.com/edgerun/platform/internal/keyvalue"
	"github.com/edgerun/platform/internal/metrics"
	"github.com/edgerun/platform/internal/pool"
)

// Handler is the Request Dispatcher (spec.md §4.4): a plain http.Handler
// resolving every inbound request to a module key, acquiring a pooled
// instance, and running exactly one guest invocation per request.
type Handler struct {
	Pool           *pool.Pool
	Routes         *RoutingTable
	Fetcher        *hostabi.Fetcher
	EndpointName   string
	RequestTimeout time.Duration
	Logger         *slog.Logger
	MetricsEnabled bool

	// DefaultModule, when non-empty, serves any request neither the
	// override header nor the routing table resolves. Set from the
	// worker's default_module_path config.
	DefaultModule string

	// KV backs the land:keyvalue host module, namespaced per module key.
	// Nil disables the capability.
	KV keyvalue.Store
}

// New builds a Handler. requestTimeout defaults to 10s (spec.md §4.4 step
// 4, §5) when zero.
func New(p *pool.Pool, routes *RoutingTable, fetcher *hostabi.Fetcher, endpointName string, requestTimeout time.Duration, logger *slog.Logger) *Handler {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Pool:           p,
		Routes:         routes,
		Fetcher:        fetcher,
		EndpointName:   endpointName,
		RequestTimeout: requestTimeout,
		Logger:         logger,
		MetricsEnabled: true,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := r.Header.Get(abi.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	modulePath, ok := h.resolveModule(r)
	if !ok {
		w.Header().Set(abi.RequestIDHeader, requestID)
		w.WriteHeader(http.StatusNotFound)
		h.logTerminal(requestID, r, http.StatusNotFound, start)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.RequestTimeout)
	defer cancel()

	entry, err := h.Pool.Acquire(ctx, modulePath)
	if err != nil {
		h.writeFailure(w, requestID, http.StatusInternalServerError, err.Error())
		h.logTerminal(requestID, r, http.StatusInternalServerError, start)
		return
	}
	defer entry.Release(context.Background())
	rt := h.Pool.Runtime()

	hc := hostctx.New()
	defer hc.Close()

	req, err := h.marshalRequest(r, hc)
	if err != nil {
		h.writeFailure(w, requestID, http.StatusInternalServerError, err.Error())
		h.logTerminal(requestID, r, http.StatusInternalServerError, start)
		return
	}

	resp, err := h.invoke(ctx, rt, entry, hc, req)
	if err != nil {
		h.writeFailure(w, requestID, http.StatusInternalServerError, err.Error())
		h.logTerminal(requestID, r, http.StatusInternalServerError, start)
		return
	}

	h.writeResponse(w, hc, requestID, resp)
	h.logTerminal(requestID, r, int(resp.Status), start)
}

// resolveModule implements spec.md §4.4 step 1: header override first, then
// the Host-keyed routing table.
func (h *Handler) resolveModule(r *http.Request) (string, bool) {
	if override := r.Header.Get(abi.ModuleOverrideHeader); override != "" {
		return override, true
	}
	host := r.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if path, ok := h.Routes.Lookup(host); ok {
		return path, true
	}
	if h.DefaultModule != "" {
		return h.DefaultModule, true
	}
	return "", false
}

// marshalRequest implements spec.md §4.4 step 3.
func (h *Handler) marshalRequest(r *http.Request, hc *hostctx.Context) (abi.Request, error) {
	headers := make(abi.Headers, 0, len(r.Header))
	for k, vs := range r.Header {
		if strings.HasPrefix(strings.ToLower(k), abi.ReservedHeaderPrefix) {
			continue
		}
		for _, v := range vs {
			headers = append(headers, abi.Header{Name: k, Value: v})
		}
	}

	uri := r.URL.String()
	if r.URL.Host == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		uri = scheme + "://" + r.Host + r.URL.RequestURI()
	}

	req := abi.Request{Method: r.Method, URI: uri, Headers: headers}

	if r.Method == http.MethodGet || r.Method == http.MethodDelete {
		return req, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return abi.Request{}, err
	}
	handle := hc.SetBody(0, body)
	bh := abi.BodyHandle(handle)
	req.Body = &bh
	return req, nil
}

// invoke implements spec.md §4.4 steps 4-5: a fresh instance of entry's
// compiled module, its own Host Context bound via hostabi.WithHost, and a
// single call into the guest's handle-request export.
func (h *Handler) invoke(ctx context.Context, rt wazero.Runtime, entry *pool.Entry, hc *hostctx.Context, req abi.Request) (abi.Response, error) {
	modCfg := wazero.NewModuleConfig().WithName(uuid.NewString())
	instCtx := hostabi.WithHost(ctx, &hostabi.Host{Ctx: hc, Fetcher: h.Fetcher, KV: h.KV, KVNamespace: entry.ModulePath})

	mod, err := rt.InstantiateModule(instCtx, entry.Compiled, modCfg)
	if err != nil {
		return abi.Response{}, err
	}
	defer mod.Close(ctx)

	fn := mod.ExportedFunction("handle-request")
	if fn == nil {
		return abi.Response{}, errNoHandleRequestExport
	}

	ptr, n, err := hostabi.WriteJSON(instCtx, mod, req)
	if err != nil {
		return abi.Response{}, err
	}

	results, err := fn.Call(instCtx, uint64(ptr), uint64(n))
	if err != nil {
		return abi.Response{}, err
	}

	var resp abi.Response
	if err := hostabi.ReadJSON(mod, uint32(results[0]), uint32(results[1]), &resp); err != nil {
		return abi.Response{}, err
	}
	return resp, nil
}

// writeResponse implements spec.md §4.4 step 6.
func (h *Handler) writeResponse(w http.ResponseWriter, hc *hostctx.Context, requestID string, resp abi.Response) {
	hasRequestID := false
	for _, hdr := range resp.Headers {
		if strings.EqualFold(hdr.Name, abi.RequestIDHeader) {
			hasRequestID = true
		}
		w.Header().Add(hdr.Name, hdr.Value)
	}
	if !hasRequestID {
		w.Header().Set(abi.RequestIDHeader, requestID)
	}
	w.Header().Set(abi.ServedByHeader, h.EndpointName)

	status := int(resp.Status)
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if resp.Body == nil {
		return
	}
	handle := uint32(*resp.Body)
	if data, ok := hc.TakeBody(handle); ok {
		_, _ = w.Write(data)
		return
	}
	if reader, ok := hc.ReaderFor(handle); ok {
		_, _ = io.Copy(w, reader)
	}
}

func (h *Handler) writeFailure(w http.ResponseWriter, requestID string, status int, msg string) {
	w.Header().Set(abi.RequestIDHeader, requestID)
	w.Header().Set(abi.ServedByHeader, h.EndpointName)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func (h *Handler) logTerminal(requestID string, r *http.Request, status int, start time.Time) {
	elapsed := time.Since(start)
	h.Logger.Info("request handled",
		"request_id", requestID,
		"method", r.Method,
		"host", r.Host,
		"path", r.URL.Path,
		"status", status,
		"elapsed_us", elapsed.Microseconds(),
	)
	if h.MetricsEnabled {
		metrics.RecordRequest(status, elapsed.Seconds())
	}
}

var errNoHandleRequestExport = &noExportError{}

type noExportError struct{}

func (e *noExportError) Error() string { return "guest module has no handle-request export" }
