package ap

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"

	"github.com/driftboard/driftboard/internal/keys"
	"github.com/driftboard/driftboard/internal/safehttp"
)

// Signature verification failures. Each maps to one rejection reason in the
// inbox response; match with errors.Is.
var (
	ErrMissingSignatureHeader   = errors.New("missing_signature_header")
	ErrInvalidSignatureHeader   = errors.New("invalid_signature_header")
	ErrMissingSignedHeaders     = errors.New("missing_signed_headers")
	ErrUnsupportedAlgorithm     = errors.New("unsupported_algorithm")
	ErrMissingDate              = errors.New("missing_date")
	ErrInvalidDate              = errors.New("invalid_date")
	ErrSignatureExpired         = errors.New("signature_expired")
	ErrMissingDigest            = errors.New("missing_digest")
	ErrDigestMismatch           = errors.New("digest_mismatch")
	ErrInvalidSignatureEncoding = errors.New("invalid_signature_encoding")
	ErrInvalidPublicKey         = errors.New("invalid_public_key")
	ErrSignatureInvalid         = errors.New("signature_invalid")
)

const defaultSignatureMaxAge = 30 * time.Second

// ─── Signing ──────────────────────────────────────────────────────────────────

var (
	postSignedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}
	getSignedHeaders  = []string{httpsig.RequestTarget, "host", "date"}
)

// Signer produces draft-cavage HTTP signatures for local actors. The key id is
// always <actor>#main-key.
type Signer struct {
	keys *keys.Store
}

func NewSigner(ks *keys.Store) *Signer {
	return &Signer{keys: ks}
}

// KeyID returns the published key id for a local actor URI.
func KeyID(actorURI string) string {
	return actorURI + "#main-key"
}

// SignFunc returns a request signer for the given local actor, suitable for
// the outbound HTTP client. POSTs sign (request-target) host date digest;
// GETs drop digest.
func (s *Signer) SignFunc(actorURI string) safehttp.SignFunc {
	return func(req *http.Request, body []byte) error {
		priv, err := s.keys.PrivateKeyForActor(actorURI)
		if err != nil {
			return fmt.Errorf("signing key for %s: %w", actorURI, err)
		}
		return signRequest(req, body, priv, KeyID(actorURI))
	}
}

func signRequest(req *http.Request, body []byte, priv *rsa.PrivateKey, keyID string) error {
	headers := postSignedHeaders
	if body == nil {
		headers = getSignedHeaders
	}
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}
	if err := signer.SignRequest(priv, keyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return nil
}

// ─── Verification ─────────────────────────────────────────────────────────────

// ResolveKeyFunc maps a Signature keyId to the owning actor's RSA public key
// and its canonical actor id. Implementations strip the URL fragment before
// lookup.
type ResolveKeyFunc func(ctx context.Context, keyID string) (*rsa.PublicKey, string, error)

// Verifier checks inbound draft-cavage signatures. The library signer cannot
// serve here because verification also has to enforce Date freshness and
// recompute the body digest, and report which check failed.
type Verifier struct {
	ResolveKey ResolveKeyFunc
	MaxAge     time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

func NewVerifier(resolve ResolveKeyFunc, maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = defaultSignatureMaxAge
	}
	return &Verifier{ResolveKey: resolve, MaxAge: maxAge, now: time.Now}
}

// Verify authenticates a request against its Signature header and returns the
// actor id that owns the signing key. body is the raw payload already read
// from the request (nil for GET).
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (string, error) {
	raw := r.Header.Get("Signature")
	if raw == "" {
		return "", ErrMissingSignatureHeader
	}
	params, err := parseSignatureHeader(raw)
	if err != nil {
		return "", err
	}
	keyID, sigB64 := params["keyid"], params["signature"]
	if keyID == "" || sigB64 == "" {
		return "", ErrInvalidSignatureHeader
	}

	signedHeaders := strings.Fields(strings.ToLower(params["headers"]))
	if len(signedHeaders) == 0 {
		// draft-cavage default when the headers parameter is absent.
		signedHeaders = []string{"date"}
	}
	if err := requireSignedHeaders(signedHeaders, r.Method); err != nil {
		return "", err
	}

	switch alg := strings.ToLower(params["algorithm"]); alg {
	case "", "rsa-sha256", "hs2019":
	default:
		return "", fmt.Errorf("%q: %w", alg, ErrUnsupportedAlgorithm)
	}

	if err := v.checkDate(r); err != nil {
		return "", err
	}
	if r.Method == http.MethodPost {
		if err := checkDigest(r, body); err != nil {
			return "", err
		}
	}

	pub, actorID, err := v.ResolveKey(ctx, keyID)
	if err != nil {
		return "", err
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return "", ErrInvalidSignatureEncoding
	}

	signingString, err := buildSigningString(r, signedHeaders)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(signingString))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return "", ErrSignatureInvalid
	}
	return actorID, nil
}

// parseSignatureHeader splits `keyId="...",algorithm="...",...` into a map
// with lowercased parameter names.
func parseSignatureHeader(raw string) (map[string]string, error) {
	params := make(map[string]string)
	for _, part := range splitSignatureParams(raw) {
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			return nil, ErrInvalidSignatureHeader
		}
		name := strings.ToLower(strings.TrimSpace(part[:eq]))
		value := strings.TrimSpace(part[eq+1:])
		value = strings.Trim(value, `"`)
		if name == "" {
			return nil, ErrInvalidSignatureHeader
		}
		params[name] = value
	}
	if len(params) == 0 {
		return nil, ErrInvalidSignatureHeader
	}
	return params, nil
}

// splitSignatureParams splits on commas outside quoted values; base64
// signatures and header lists never contain quotes themselves.
func splitSignatureParams(raw string) []string {
	var parts []string
	var b strings.Builder
	inQuotes := false
	for _, r := range raw {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			b.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

func requireSignedHeaders(signed []string, method string) error {
	required := []string{"(request-target)", "host", "date"}
	if method == http.MethodPost {
		required = append(required, "digest")
	}
	have := make(map[string]bool, len(signed))
	for _, h := range signed {
		have[h] = true
	}
	for _, h := range required {
		if !have[h] {
			return fmt.Errorf("%s not covered: %w", h, ErrMissingSignedHeaders)
		}
	}
	return nil
}

func (v *Verifier) checkDate(r *http.Request) error {
	raw := r.Header.Get("Date")
	if raw == "" {
		return ErrMissingDate
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return fmt.Errorf("%q: %w", raw, ErrInvalidDate)
	}
	age := v.now().Sub(t)
	if age < 0 {
		age = -age
	}
	if age > v.MaxAge {
		return fmt.Errorf("%s old: %w", age.Round(time.Second), ErrSignatureExpired)
	}
	return nil
}

func checkDigest(r *http.Request, body []byte) error {
	header := r.Header.Get("Digest")
	if header == "" {
		return ErrMissingDigest
	}
	sum := sha256.Sum256(body)
	want := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(header), []byte(want)) != 1 {
		return ErrDigestMismatch
	}
	return nil
}

// buildSigningString reconstructs the draft-cavage signing string for the
// covered headers, in the order the peer declared them.
func buildSigningString(r *http.Request, signedHeaders []string) (string, error) {
	lines := make([]string, 0, len(signedHeaders))
	for _, h := range signedHeaders {
		switch h {
		case "(request-target)":
			target := r.URL.Path
			if target == "" {
				target = "/"
			}
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			lines = append(lines, "(request-target): "+strings.ToLower(r.Method)+" "+target)
		case "host":
			host := r.Host
			if host == "" {
				host = r.Header.Get("Host")
			}
			lines = append(lines, "host: "+host)
		default:
			value := r.Header.Get(h)
			if value == "" {
				return "", fmt.Errorf("%s empty: %w", h, ErrMissingSignedHeaders)
			}
			lines = append(lines, h+": "+value)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// ParseRSAPublicKeyPEM decodes an actor's publicKeyPem. Non-RSA keys and
// malformed PEM both surface as ErrInvalidPublicKey.
func ParseRSAPublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, ErrInvalidPublicKey
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, ErrInvalidPublicKey
		}
		return rsaPub, nil
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	return nil, ErrInvalidPublicKey
}
