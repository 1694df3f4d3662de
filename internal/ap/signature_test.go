package ap

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyID = "https://remote.example/u/alice#main-key"

func testKeypair(t *testing.T) (*rsa.PrivateKey, ResolveKeyFunc) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	resolve := func(ctx context.Context, keyID string) (*rsa.PublicKey, string, error) {
		assert.Equal(t, testKeyID, keyID)
		return &priv.PublicKey, "https://remote.example/u/alice", nil
	}
	return priv, resolve
}

func TestSignThenVerifyPost(t *testing.T) {
	priv, resolve := testKeypair(t)
	body := []byte(`{"type":"Follow","id":"https://remote.example/acts/1"}`)

	req := httptest.NewRequest("POST", "https://local.example/ap/inbox", bytes.NewReader(body))
	require.NoError(t, signRequest(req, body, priv, testKeyID))

	v := NewVerifier(resolve, 30*time.Second)
	actorID, err := v.Verify(context.Background(), req, body)
	require.NoError(t, err)
	assert.Equal(t, "https://remote.example/u/alice", actorID)
}

func TestSignThenVerifyGet(t *testing.T) {
	priv, resolve := testKeypair(t)

	req := httptest.NewRequest("GET", "https://local.example/ap/users/bob", nil)
	require.NoError(t, signRequest(req, nil, priv, testKeyID))

	v := NewVerifier(resolve, 30*time.Second)
	_, err := v.Verify(context.Background(), req, nil)
	require.NoError(t, err)
}

func TestVerifyDigestTamper(t *testing.T) {
	priv, resolve := testKeypair(t)
	signedBody := []byte(`{"type":"Follow"}`)
	receivedBody := []byte(`{"type":"Delete"}`)

	req := httptest.NewRequest("POST", "https://local.example/ap/inbox", bytes.NewReader(signedBody))
	require.NoError(t, signRequest(req, signedBody, priv, testKeyID))

	v := NewVerifier(resolve, 30*time.Second)
	_, err := v.Verify(context.Background(), req, receivedBody)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestVerifyExpiredDate(t *testing.T) {
	priv, resolve := testKeypair(t)
	body := []byte(`{}`)

	req := httptest.NewRequest("POST", "https://local.example/ap/inbox", bytes.NewReader(body))
	require.NoError(t, signRequest(req, body, priv, testKeyID))

	v := NewVerifier(resolve, 30*time.Second)
	v.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err := v.Verify(context.Background(), req, body)
	assert.ErrorIs(t, err, ErrSignatureExpired)
}

func TestVerifySignatureTamper(t *testing.T) {
	priv, resolve := testKeypair(t)
	body := []byte(`{"type":"Like"}`)

	req := httptest.NewRequest("POST", "https://local.example/ap/inbox", bytes.NewReader(body))
	require.NoError(t, signRequest(req, body, priv, testKeyID))
	// A different Date than the signed one breaks the signing string.
	req.Header.Set("Date", time.Now().UTC().Add(-5*time.Second).Format("Mon, 02 Jan 2006 15:04:05 GMT"))

	v := NewVerifier(resolve, 30*time.Second)
	_, err := v.Verify(context.Background(), req, body)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyFailureTaxonomy(t *testing.T) {
	_, resolve := testKeypair(t)
	v := NewVerifier(resolve, 30*time.Second)
	ctx := context.Background()
	body := []byte(`{}`)

	t.Run("missing_signature_header", func(t *testing.T) {
		req := httptest.NewRequest("POST", "https://local.example/ap/inbox", bytes.NewReader(body))
		_, err := v.Verify(ctx, req, body)
		assert.ErrorIs(t, err, ErrMissingSignatureHeader)
	})

	t.Run("invalid_signature_header", func(t *testing.T) {
		req := httptest.NewRequest("POST", "https://local.example/ap/inbox", bytes.NewReader(body))
		req.Header.Set("Signature", `algorithm="rsa-sha256"`)
		_, err := v.Verify(ctx, req, body)
		assert.ErrorIs(t, err, ErrInvalidSignatureHeader)
	})

	t.Run("missing_signed_headers", func(t *testing.T) {
		req := httptest.NewRequest("POST", "https://local.example/ap/inbox", bytes.NewReader(body))
		req.Header.Set("Signature", `keyId="`+testKeyID+`",headers="date",signature="aGVsbG8="`)
		_, err := v.Verify(ctx, req, body)
		assert.ErrorIs(t, err, ErrMissingSignedHeaders)
	})

	t.Run("unsupported_algorithm", func(t *testing.T) {
		req := httptest.NewRequest("POST", "https://local.example/ap/inbox", bytes.NewReader(body))
		req.Header.Set("Signature", `keyId="`+testKeyID+`",algorithm="hmac-sha1",headers="(request-target) host date digest",signature="aGVsbG8="`)
		_, err := v.Verify(ctx, req, body)
		assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	})

	t.Run("missing_date", func(t *testing.T) {
		req := httptest.NewRequest("POST", "https://local.example/ap/inbox", bytes.NewReader(body))
		req.Header.Set("Signature", `keyId="`+testKeyID+`",headers="(request-target) host date digest",signature="aGVsbG8="`)
		_, err := v.Verify(ctx, req, body)
		assert.ErrorIs(t, err, ErrMissingDate)
	})

	t.Run("invalid_date", func(t *testing.T) {
		req := httptest.NewRequest("POST", "https://local.example/ap/inbox", bytes.NewReader(body))
		req.Header.Set("Signature", `keyId="`+testKeyID+`",headers="(request-target) host date digest",signature="aGVsbG8="`)
		req.Header.Set("Date", "not a date")
		_, err := v.Verify(ctx, req, body)
		assert.ErrorIs(t, err, ErrInvalidDate)
	})

	t.Run("missing_digest", func(t *testing.T) {
		req := httptest.NewRequest("POST", "https://local.example/ap/inbox", bytes.NewReader(body))
		req.Header.Set("Signature", `keyId="`+testKeyID+`",headers="(request-target) host date digest",signature="aGVsbG8="`)
		req.Header.Set("Date", time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT"))
		_, err := v.Verify(ctx, req, body)
		assert.ErrorIs(t, err, ErrMissingDigest)
	})

	t.Run("invalid_signature_encoding", func(t *testing.T) {
		priv, _ := testKeypair(t)
		req := httptest.NewRequest("POST", "https://local.example/ap/inbox", bytes.NewReader(body))
		require.NoError(t, signRequest(req, body, priv, testKeyID))
		sig := req.Header.Get("Signature")
		req.Header.Set("Signature", replaceSignatureValue(sig, "!!!not-base64!!!"))
		_, err := v.Verify(ctx, req, body)
		assert.ErrorIs(t, err, ErrInvalidSignatureEncoding)
	})
}

// replaceSignatureValue swaps the signature="..." parameter value.
func replaceSignatureValue(header, newValue string) string {
	params := splitSignatureParams(header)
	for i, p := range params {
		if strings.HasPrefix(strings.TrimSpace(p), "signature=") {
			params[i] = `signature="` + newValue + `"`
		}
	}
	return strings.Join(params, ",")
}

func TestParseRSAPublicKeyPEM(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	pub, err := ParseRSAPublicKeyPEM(pemStr)
	require.NoError(t, err)
	assert.Equal(t, priv.PublicKey.N, pub.N)

	_, err = ParseRSAPublicKeyPEM("garbage")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = ParseRSAPublicKeyPEM("-----BEGIN PUBLIC KEY-----\naGVsbG8=\n-----END PUBLIC KEY-----\n")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}
