package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Auth holds the API key pair used to sign every private REST request. The
// exchange authenticates with an API-key header plus a per-request HMAC
// signature over the canonical query string — there is no wallet or
// on-chain signing involved.
type Auth struct {
	apiKey    string
	apiSecret string
}

// NewAuth builds an Auth from a configured key pair.
func NewAuth(apiKey, apiSecret string) *Auth {
	return &Auth{apiKey: apiKey, apiSecret: apiSecret}
}

// APIKey returns the public key sent in the X-MBX-APIKEY header.
func (a *Auth) APIKey() string { return a.apiKey }

// Sign builds the canonical query string for params (including a fresh
// timestamp), computes its HMAC-SHA256 signature, and returns the full
// query string with "&signature=<hex>" appended. The signature is the
// lowercase hex encoding of HMAC-SHA256(secret, canonicalQuery) and is
// always exactly 64 characters.
func (a *Auth) Sign(params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	canonical := canonicalQuery(params)

	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(canonical))
	sig := hex.EncodeToString(mac.Sum(nil))

	return canonical + "&signature=" + sig
}

// canonicalQuery renders params as "key=value" pairs joined by "&", sorted
// by key, so the same parameter set always signs to the same string
// regardless of insertion order.
func canonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, params.Get(k)))
	}
	return strings.Join(parts, "&")
}
