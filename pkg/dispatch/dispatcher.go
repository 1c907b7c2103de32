// Package dispatch forwards admitted requests to their destination and feeds
// the outcome back into admission.
package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"psagate/pkg/admission"
	"psagate/pkg/httpx"
	"psagate/pkg/identity"

	"go.uber.org/zap"
)

// Headers set on every forwarded request.
const (
	HeaderGateway   = "X-Gateway"
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRole  = "X-User-Role"
	HeaderTenantID  = "X-Tenant-ID"
)

var identityHeaders = []string{HeaderUserID, HeaderUserEmail, HeaderUserRole, HeaderTenantID}

// Hop-by-hop headers are connection scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Recorder receives per-destination outcome metrics.
type Recorder interface {
	ObserveDispatch(destination, outcome string, d time.Duration)
}

type Dispatcher struct {
	client    *http.Client
	admission *admission.Controller
	clientIP  func(*http.Request) string
	recorder  Recorder
	logger    *zap.Logger
	gateway   string
	now       func() time.Time
}

type Option func(*Dispatcher)

func WithClientIP(fn func(*http.Request) string) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.clientIP = fn
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithGatewayName sets the X-Gateway value.
func WithGatewayName(name string) Option {
	return func(d *Dispatcher) {
		if strings.TrimSpace(name) != "" {
			d.gateway = strings.TrimSpace(name)
		}
	}
}

// New builds a Dispatcher. The client must not follow redirects on its own;
// New installs a CheckRedirect that hands 3xx responses back to the caller.
func New(client *http.Client, controller *admission.Controller, opts ...Option) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	d := &Dispatcher{
		client:    client,
		admission: controller,
		clientIP:  peerIP,
		logger:    zap.NewNop(),
		gateway:   "psagate",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch admits and forwards r to the target's destination, writing either
// the destination's response or a gateway error envelope to w.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, target Target) {
	dest := target.Destination
	req := admission.Request{
		Destination: dest.Name,
		Path:        r.URL.Path,
		ClientIP:    d.clientIP(r),
		Policies:    target.Policies,
	}
	id, _ := identity.FromContext(r.Context())
	if id != nil {
		req.SubjectID = id.SubjectID
	}
	ticket, dec := d.admission.Admit(r.Context(), req)
	admission.SetRateLimitHeaders(w, dec, d.now())
	if !dec.Allowed {
		admission.WriteDenial(w, r, dec)
		return
	}

	requestID := httpx.RequestIDFromContext(r.Context())
	log := d.logger.With(
		zap.String("request_id", requestID),
		zap.String("destination", dest.Name),
	)
	if id != nil {
		log = log.With(zap.String("subject", id.SubjectID))
	}

	timeout := dest.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var body *inboundBody
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		body = &inboundBody{ReadCloser: r.Body}
		r.Body = body
	}
	out, err := d.outbound(ctx, r, target, id, requestID)
	if err != nil {
		// Not the destination's fault, so the circuit does not see it.
		ticket.Record(r.Context(), admission.Outcome{Err: err, Aborted: true})
		log.Error("build upstream request", zap.Error(err))
		httpx.WriteError(w, r, http.StatusInternalServerError, httpx.CodeInternal, "could not build upstream request")
		return
	}

	start := d.now()
	resp, err := d.client.Do(out)
	elapsed := d.now().Sub(start)
	if err != nil {
		d.fail(w, r, ticket, log, body.readErr(err), elapsed)
		return
	}
	defer resp.Body.Close()

	outcome := admission.Outcome{StatusCode: resp.StatusCode}
	ticket.Record(r.Context(), outcome)
	d.observe(dest.Name, outcome, elapsed)
	if resp.StatusCode >= 500 {
		log.Warn("destination returned server error", zap.Int("status", resp.StatusCode))
	}

	replaceHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are gone; all that is left is to note it.
		log.Debug("copy upstream body", zap.Error(err))
	}
}

func (d *Dispatcher) fail(w http.ResponseWriter, r *http.Request, ticket *admission.Ticket, log *zap.Logger, err error, elapsed time.Duration) {
	dest := ticket.Destination()
	var bodyErr callerBodyError
	if errors.As(err, &bodyErr) || r.Context().Err() != nil {
		outcome := admission.Outcome{Err: err, Aborted: true}
		ticket.Record(r.Context(), outcome)
		d.observe(dest, outcome, elapsed)
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			httpx.WriteError(w, r, http.StatusRequestEntityTooLarge, httpx.CodePayloadTooLarge, "request body too large")
		case r.Context().Err() != nil:
			log.Info("caller went away before destination answered", zap.Error(err))
		default:
			httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeBadRequest, "invalid request body")
		}
		return
	}
	outcome := admission.Outcome{Err: err}
	ticket.Record(r.Context(), outcome)
	d.observe(dest, outcome, elapsed)
	if isTimeout(err) {
		log.Warn("destination timed out", zap.Duration("elapsed", elapsed), zap.Error(err))
		httpx.WriteError(w, r, http.StatusBadGateway, httpx.CodeBadGateway, "destination timed out")
		return
	}
	log.Warn("destination unreachable", zap.Error(err))
	httpx.WriteError(w, r, http.StatusBadGateway, httpx.CodeBadGateway, "destination unreachable")
}

func (d *Dispatcher) observe(dest string, o admission.Outcome, elapsed time.Duration) {
	if d.recorder == nil {
		return
	}
	label := "success"
	switch {
	case o.Aborted:
		label = "aborted"
	case o.Failed():
		label = "failure"
	}
	d.recorder.ObserveDispatch(dest, label, elapsed)
}

func (d *Dispatcher) outbound(ctx context.Context, r *http.Request, target Target, id *identity.Identity, requestID string) (*http.Request, error) {
	u := target.upstreamURL(r.URL.Path, r.URL.RawQuery)
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = r.ContentLength
	copyHeader(out.Header, r.Header)
	out.Header.Del("Authorization")
	for _, h := range identityHeaders {
		out.Header.Del(h)
	}
	if requestID != "" {
		out.Header.Set(httpx.HeaderRequestID, requestID)
	}
	out.Header.Set(HeaderGateway, d.gateway)
	if id != nil {
		out.Header.Set(HeaderUserID, id.SubjectID)
		out.Header.Set(HeaderUserEmail, id.Email)
		out.Header.Set(HeaderUserRole, id.Role)
		if id.TenantID != "" {
			out.Header.Set(HeaderTenantID, id.TenantID)
		}
	}
	if peer := peerIP(r); peer != "" {
		if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			peer = strings.Join(prior, ", ") + ", " + peer
		}
		out.Header.Set("X-Forwarded-For", peer)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set("X-Forwarded-Host", r.Host)
	out.Host = target.Destination.BaseURL.Host
	return out, nil
}

// inboundBody remembers the first error reading the caller's body so a body
// over the size limit is not blamed on the destination.
type inboundBody struct {
	io.ReadCloser
	mu  sync.Mutex
	err error
}

func (b *inboundBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		b.mu.Lock()
		if b.err == nil {
			b.err = err
		}
		b.mu.Unlock()
	}
	return n, err
}

// readErr prefers the body error over the transport error that wraps it.
func (b *inboundBody) readErr(transportErr error) error {
	if b == nil {
		return transportErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return callerBodyError{err: b.err}
	}
	return transportErr
}

type callerBodyError struct{ err error }

func (e callerBodyError) Error() string { return "read request body: " + e.err.Error() }

func (e callerBodyError) Unwrap() error { return e.err }

// copyHeader appends end-to-end headers from src to dst.
func copyHeader(dst, src http.Header) {
	for k, vv := range endToEnd(src) {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// replaceHeader is copyHeader for responses: a header the destination sends
// replaces whatever the gateway middleware already set under that key.
func replaceHeader(dst, src http.Header) {
	for k, vv := range endToEnd(src) {
		dst[k] = append([]string(nil), vv...)
	}
}

func endToEnd(src http.Header) http.Header {
	drop := map[string]struct{}{}
	for _, h := range hopHeaders {
		drop[h] = struct{}{}
	}
	for _, v := range src.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				drop[http.CanonicalHeaderKey(f)] = struct{}{}
			}
		}
	}
	out := make(http.Header, len(src))
	for k, vv := range src {
		if _, skip := drop[k]; skip {
			continue
		}
		out[k] = vv
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
