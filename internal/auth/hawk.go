package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hiyosi/hawk"
	"github.com/jellydator/ttlcache/v3"

	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/model"
)

const (
	maxSignedBody = 1 << 20

	// The library's own clock check is disabled; freshness is checked
	// after the MAC so a stale request can be answered with a signed
	// server time.
	libraryTimestampSkew = 100 * 365 * 24 * time.Hour
)

// LookupFunc resolves the credentials of a Hawk id.
type LookupFunc func(ctx context.Context, tokenID string) (*model.Principal, error)

// StaleTimestampError carries the server clock so the client can resync.
type StaleTimestampError struct {
	Now int64
	MAC string
}

func (e *StaleTimestampError) Error() string { return "stale timestamp" }

func (e *StaleTimestampError) Unwrap() error { return errs.ErrUnauthorized }

// Challenge renders the WWW-Authenticate value for the error.
func (e *StaleTimestampError) Challenge() string {
	return fmt.Sprintf(`Hawk ts="%d", tsm="%s", error="Stale timestamp"`, e.Now, e.MAC)
}

type HawkOptions struct {
	// Protocol of the public endpoint. With "https" the port is always 443
	// because TLS usually ends at a proxy.
	Protocol string
	Skew     time.Duration
	Now      func() time.Time
}

// RequestVerifier checks Hawk Authorization headers and rejects replayed
// nonces inside the skew window.
type RequestVerifier struct {
	opts   HawkOptions
	nonces *nonceCache
}

func NewRequestVerifier(opts HawkOptions) *RequestVerifier {
	if opts.Skew <= 0 {
		opts.Skew = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RequestVerifier{opts: opts, nonces: newNonceCache(2 * opts.Skew)}
}

func (v *RequestVerifier) Close() {
	v.nonces.stop()
}

// nonceCache remembers every key/timestamp/nonce triple it has accepted.
type nonceCache struct {
	seen *ttlcache.Cache[string, struct{}]
}

var _ hawk.NonceValidator = (*nonceCache)(nil)

func newNonceCache(ttl time.Duration) *nonceCache {
	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](ttl),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go seen.Start()
	return &nonceCache{seen: seen}
}

// Validate reports whether nonce is fresh for key and ts, recording it.
func (n *nonceCache) Validate(key, nonce string, ts int64) bool {
	_, replayed := n.seen.GetOrSet(key+":"+strconv.FormatInt(ts, 10)+":"+nonce, struct{}{})
	return !replayed
}

func (n *nonceCache) stop() { n.seen.Stop() }

// principalStore serves one request's credential lookup to the Hawk
// server and keeps what the lookup returned.
type principalStore struct {
	ctx       context.Context
	lookup    LookupFunc
	principal *model.Principal
	err       error
}

var _ hawk.CredentialStore = (*principalStore)(nil)

func (s *principalStore) GetCredential(id string) (*hawk.Credential, error) {
	p, err := s.lookup(s.ctx, id)
	if err != nil {
		s.err = err
		return nil, err
	}
	s.principal = p
	return &hawk.Credential{ID: id, Key: p.Key, Alg: hawk.SHA256}, nil
}

// Verify authenticates r. Missing or malformed headers, bad MACs, payload
// mismatches and replays yield errs.ErrUnauthorized; unknown ids yield
// errs.ErrUnknownCredentials; anything else comes from lookup.
func (v *RequestVerifier) Verify(r *http.Request, lookup LookupFunc) (*model.Principal, error) {
	attrs, err := headerAttributes(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	store := &principalStore{ctx: r.Context(), lookup: lookup}
	server := hawk.NewServer(store)
	server.NonceValidator = v.nonces
	server.TimeStampSkew = libraryTimestampSkew
	server.AuthOption = &hawk.AuthOption{CustomHostPort: v.hostPort(r)}

	if _, err := server.Authenticate(r); err != nil {
		if store.err != nil {
			return nil, store.err
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	if store.principal == nil {
		return nil, fmt.Errorf("%w: no credentials", errs.ErrUnauthorized)
	}

	if hash := attrs["hash"]; hash != "" {
		if err := verifyPayload(r, hash); err != nil {
			return nil, err
		}
	}

	ts, err := strconv.ParseInt(attrs["ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timestamp", errs.ErrUnauthorized)
	}
	now := v.opts.Now().Unix()
	if d := now - ts; d > int64(v.opts.Skew/time.Second) || -d > int64(v.opts.Skew/time.Second) {
		return nil, &StaleTimestampError{Now: now, MAC: timestampMAC(store.principal.Key, now)}
	}

	return store.principal, nil
}

// hostPort is the host and port the client is expected to have signed.
func (v *RequestVerifier) hostPort(r *http.Request) string {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host, port = r.Host, ""
	}
	switch {
	case v.opts.Protocol == "https":
		port = "443"
	case port == "" && r.TLS != nil:
		port = "443"
	case port == "":
		port = "80"
	}
	return net.JoinHostPort(strings.ToLower(host), port)
}

// headerAttributes reads the attributes of a Hawk header that are needed
// outside the MAC check.
func headerAttributes(header string) (map[string]string, error) {
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Hawk") {
		return nil, fmt.Errorf("%w: missing hawk authorization", errs.ErrUnauthorized)
	}

	attrs := make(map[string]string)
	for _, part := range strings.Split(rest, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		attrs[name] = strings.Trim(value, `"`)
	}
	if attrs["id"] == "" || attrs["ts"] == "" {
		return nil, fmt.Errorf("%w: missing attributes", errs.ErrUnauthorized)
	}
	return attrs, nil
}

// verifyPayload compares the signed hash with the body, which is left
// readable for the handler.
func verifyPayload(r *http.Request, hash string) error {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
		if err != nil {
			return fmt.Errorf("%w: unreadable body", errs.ErrUnauthorized)
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		contentType = ""
	}
	expected := (&hawk.PayloadHash{ContentType: strings.ToLower(contentType), Payload: string(body), Alg: hawk.SHA256}).String()
	if !hmac.Equal([]byte(expected), []byte(hash)) {
		return fmt.Errorf("%w: bad payload hash", errs.ErrUnauthorized)
	}
	return nil
}

// timestampMAC signs the server time sent with a stale timestamp
// challenge.
func timestampMAC(key string, ts int64) string {
	m := hmac.New(sha256.New, []byte(key))
	m.Write([]byte("hawk.1.ts\n" + strconv.FormatInt(ts, 10) + "\n"))
	return base64.StdEncoding.EncodeToString(m.Sum(nil))
}

// SignRequest builds a Hawk Authorization header for a request to rawURL,
// which must be absolute. A non-empty payload is hashed with contentType.
// Used by clients of the service, tools and tests.
func SignRequest(tokenID, key, method, rawURL string, ts int64, nonce, contentType, payload string) (string, error) {
	client := hawk.NewClient(
		&hawk.Credential{ID: tokenID, Key: key, Alg: hawk.SHA256},
		&hawk.Option{TimeStamp: ts, Nonce: nonce, ContentType: contentType, Payload: payload},
	)
	return client.Header(method, rawURL)
}

// IsStale reports whether err is a StaleTimestampError.
func IsStale(err error) (*StaleTimestampError, bool) {
	var stale *StaleTimestampError
	ok := errors.As(err, &stale)
	return stale, ok
}
