package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"cdpledger/crypto"
)

const (
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded 65-byte secp256k1 signature.
	HeaderSignature = "X-Signature"

	defaultSignatureSkew = 2 * time.Minute
	maxSignatureSkew     = 10 * time.Minute
	nonceCapacity        = 65536
)

type signerContextKey struct{}

// SignerFromContext returns the address that signed the request.
func SignerFromContext(ctx context.Context) (crypto.Address, bool) {
	if ctx == nil {
		return crypto.Address{}, false
	}
	signer, ok := ctx.Value(signerContextKey{}).(crypto.Address)
	return signer, ok && !signer.IsZero()
}

// RequestDigest is keccak256 over the canonical request: timestamp, nonce,
// method, path and body joined by newlines.
func RequestDigest(timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	return ethcrypto.Keccak256([]byte(payload))
}

// SignRequest sets the signature headers on req for body. Callers must send
// exactly body as the request payload.
func SignRequest(req *http.Request, key *crypto.PrivateKey, body []byte, nonce string, now time.Time) error {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	sig, err := key.Sign(RequestDigest(timestamp, nonce, req.Method, canonicalPath(req), body))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

func canonicalPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}

// signatureAuth recovers the request signer and rejects stale or replayed
// requests.
type signatureAuth struct {
	skew  time.Duration
	nowFn func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
}

func newSignatureAuth(skew time.Duration, nowFn func() time.Time) *signatureAuth {
	if skew <= 0 {
		skew = defaultSignatureSkew
	}
	if skew > maxSignatureSkew {
		skew = maxSignatureSkew
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &signatureAuth{skew: skew, nowFn: nowFn, nonces: make(map[string]time.Time)}
}

func (a *signatureAuth) authenticate(r *http.Request, body []byte) (crypto.Address, error) {
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestamp == "" {
		return crypto.Address{}, fmt.Errorf("missing %s header", HeaderTimestamp)
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.skew {
		return crypto.Address{}, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return crypto.Address{}, fmt.Errorf("missing %s header", HeaderNonce)
	}
	sig, err := hexutil.Decode(strings.TrimSpace(r.Header.Get(HeaderSignature)))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	signer, err := crypto.RecoverAddress(RequestDigest(timestamp, nonce, r.Method, canonicalPath(r), body), sig)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid signature: %w", err)
	}
	if !a.registerNonce(signer.String()+"|"+nonce, now) {
		return crypto.Address{}, fmt.Errorf("nonce already used")
	}
	return signer, nil
}

// registerNonce records nonce and reports false when it was seen within the
// replay window.
func (a *signatureAuth) registerNonce(key string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	window := 2 * a.skew
	if seen, ok := a.nonces[key]; ok && now.Sub(seen) <= window {
		return false
	}
	if len(a.nonces) >= nonceCapacity {
		for k, seen := range a.nonces {
			if now.Sub(seen) > window {
				delete(a.nonces, k)
			}
		}
	}
	a.nonces[key] = now
	return true
}

// requireSignature authenticates the caller and stores the signer in the
// request context. The body is buffered and restored for the handler.
func (s *Server) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil || len(body) > maxBody {
			writeError(w, http.StatusBadRequest, "unreadable request body")
			return
		}
		_ = r.Body.Close()
		signer, err := s.auth.authenticate(r, body)
		if err != nil {
			s.logger.Debug("request signature rejected", "route", r.URL.Path, "error", err.Error())
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Reason: "UNAUTHENTICATED"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		ctx := context.WithValue(r.Context(), signerContextKey{}, signer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize reports whether the request signer is account, writing a 403
// otherwise.
func authorize(w http.ResponseWriter, r *http.Request, field string, account crypto.Address) bool {
	signer, ok := SignerFromContext(r.Context())
	if ok && signer.Equal(account) {
		return true
	}
	writeJSON(w, http.StatusForbidden, errorBody{
		Error:  fmt.Sprintf("request signer does not match %s", field),
		Reason: "FORBIDDEN",
	})
	return false
}
