package mixerapi

import (
	"crypto/ed25519"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/solanon/mixer/internal/address"
)

// SignatureHeader carries the base58 ed25519 signature of the raw request
// body, made by the account the request spends from.
const SignatureHeader = "X-Mixer-Signature"

type authError struct {
	status int
	code   string
}

// signatureGuard verifies signed requests and remembers each accepted
// signature until the request it covers expires.
type signatureGuard struct {
	mu sync.Mutex

	maxLifetime time.Duration
	maxEntries  int
	seen        map[string]time.Time
}

func newSignatureGuard(maxLifetime time.Duration, maxEntries int) *signatureGuard {
	return &signatureGuard{
		maxLifetime: maxLifetime,
		maxEntries:  maxEntries,
		seen:        make(map[string]time.Time),
	}
}

// Verify checks that signer signed body and that expiresAt (unix seconds) lies
// in (now, now+maxLifetime]. An accepted signature is rejected if presented
// again before it expires.
func (g *signatureGuard) Verify(signer address.Address, body []byte, header, expiresAt string, now time.Time) *authError {
	header = strings.TrimSpace(header)
	if header == "" {
		return &authError{http.StatusUnauthorized, "missing_signature"}
	}
	sig := base58.Decode(header)
	if len(sig) != ed25519.SignatureSize {
		return &authError{http.StatusUnauthorized, "invalid_signature"}
	}

	secs, err := strconv.ParseInt(strings.TrimSpace(expiresAt), 10, 64)
	if err != nil || secs <= 0 {
		return &authError{http.StatusBadRequest, "invalid_expires_at"}
	}
	exp := time.Unix(secs, 0)
	if !now.Before(exp) {
		return &authError{http.StatusUnauthorized, "signature_expired"}
	}
	if exp.Sub(now) > g.maxLifetime {
		return &authError{http.StatusBadRequest, "invalid_expires_at"}
	}

	if !ed25519.Verify(ed25519.PublicKey(signer[:]), body, sig) {
		return &authError{http.StatusUnauthorized, "invalid_signature"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := string(sig)
	if until, ok := g.seen[key]; ok && now.Before(until) {
		return &authError{http.StatusConflict, "replayed_request"}
	}
	if len(g.seen) >= g.maxEntries {
		for k, until := range g.seen {
			if !now.Before(until) {
				delete(g.seen, k)
			}
		}
	}
	// Evicting a live entry would reopen its replay window.
	if len(g.seen) >= g.maxEntries {
		return &authError{http.StatusServiceUnavailable, "unavailable"}
	}
	g.seen[key] = exp
	return nil
}
