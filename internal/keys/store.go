package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/driftboard/driftboard/internal/db"
)

// ErrNoSiteKey is returned when a signed fetch is needed but the instance has
// no site keypair yet.
var ErrNoSiteKey = errors.New("no site key")

// ErrUnknownActor is returned when an actor URI matches no local key subject.
var ErrUnknownActor = errors.New("unknown local actor")

// Store hands out keypairs for local actors. User and board keys live on
// their rows; the site key is persisted through settings. Private keys are
// stored as vault blobs, base64-encoded for string columns.
type Store struct {
	db      *db.Store
	vault   *Vault
	baseURL string
}

// NewStore creates a key store bound to the relational store and vault.
func NewStore(store *db.Store, vault *Vault, baseURL string) *Store {
	return &Store{db: store, vault: vault, baseURL: strings.TrimRight(baseURL, "/")}
}

// Keypair is a decoded local actor keypair.
type Keypair struct {
	PublicPEM string
	Private   *rsa.PrivateKey
}

// ─── Ensure (create-if-missing, idempotent) ───────────────────────────────────

// EnsureUserKeypair returns the user's public PEM, generating and storing a
// keypair on first use.
func (s *Store) EnsureUserKeypair(username string) (string, error) {
	u, err := s.db.UserByUsername(username)
	if err != nil {
		return "", err
	}
	if u.APPublicKey != "" {
		return u.APPublicKey, nil
	}
	pubPEM, blob, err := s.generate()
	if err != nil {
		return "", err
	}
	if err := s.db.SetUserKeys(u.ID, pubPEM, blob); err != nil {
		return "", fmt.Errorf("store user keys: %w", err)
	}
	slog.Info("generated federation keypair", "subject", "user", "name", username)
	return pubPEM, nil
}

// EnsureBoardKeypair returns the board's public PEM, generating on first use.
func (s *Store) EnsureBoardKeypair(slug string) (string, error) {
	b, err := s.db.BoardBySlug(slug)
	if err != nil {
		return "", err
	}
	if b.APPublicKey != "" {
		return b.APPublicKey, nil
	}
	pubPEM, blob, err := s.generate()
	if err != nil {
		return "", err
	}
	if err := s.db.SetBoardKeys(b.ID, pubPEM, blob); err != nil {
		return "", fmt.Errorf("store board keys: %w", err)
	}
	slog.Info("generated federation keypair", "subject", "board", "name", slug)
	return pubPEM, nil
}

// EnsureSiteKeypair returns the site public PEM, generating on first use.
func (s *Store) EnsureSiteKeypair() (string, error) {
	if pub, ok := s.db.GetSetting(db.SettingSitePublicKey); ok && pub != "" {
		return pub, nil
	}
	pubPEM, blob, err := s.generate()
	if err != nil {
		return "", err
	}
	if err := s.db.SetSetting(db.SettingSitePublicKey, pubPEM); err != nil {
		return "", fmt.Errorf("store site public key: %w", err)
	}
	if err := s.db.SetSetting(db.SettingSitePrivateKeyEncrypted, blob); err != nil {
		return "", fmt.Errorf("store site private key: %w", err)
	}
	slog.Info("generated federation keypair", "subject", "site")
	return pubPEM, nil
}

// ─── Rotate (always generates new material) ───────────────────────────────────

// RotateUserKeypair replaces the user's keypair unconditionally. Previously
// signed requests stay verifiable on peers only until their actor cache
// refreshes; downstream signing uses the new key immediately.
func (s *Store) RotateUserKeypair(username string) (string, error) {
	u, err := s.db.UserByUsername(username)
	if err != nil {
		return "", err
	}
	pubPEM, blob, err := s.generate()
	if err != nil {
		return "", err
	}
	if err := s.db.SetUserKeys(u.ID, pubPEM, blob); err != nil {
		return "", fmt.Errorf("store user keys: %w", err)
	}
	slog.Info("rotated federation keypair", "subject", "user", "name", username)
	return pubPEM, nil
}

// RotateBoardKeypair replaces the board's keypair unconditionally.
func (s *Store) RotateBoardKeypair(slug string) (string, error) {
	b, err := s.db.BoardBySlug(slug)
	if err != nil {
		return "", err
	}
	pubPEM, blob, err := s.generate()
	if err != nil {
		return "", err
	}
	if err := s.db.SetBoardKeys(b.ID, pubPEM, blob); err != nil {
		return "", fmt.Errorf("store board keys: %w", err)
	}
	slog.Info("rotated federation keypair", "subject", "board", "name", slug)
	return pubPEM, nil
}

// RotateSiteKeypair replaces the site keypair unconditionally.
func (s *Store) RotateSiteKeypair() (string, error) {
	pubPEM, blob, err := s.generate()
	if err != nil {
		return "", err
	}
	if err := s.db.SetSetting(db.SettingSitePublicKey, pubPEM); err != nil {
		return "", fmt.Errorf("store site public key: %w", err)
	}
	if err := s.db.SetSetting(db.SettingSitePrivateKeyEncrypted, blob); err != nil {
		return "", fmt.Errorf("store site private key: %w", err)
	}
	slog.Info("rotated federation keypair", "subject", "site")
	return pubPEM, nil
}

// ─── Lookup ───────────────────────────────────────────────────────────────────

// SitePrivateKey decrypts the site private key. Returns ErrNoSiteKey when the
// instance has never generated one; callers surface that as a distinct
// failure instead of minting a key mid-request.
func (s *Store) SitePrivateKey() (*rsa.PrivateKey, error) {
	blob, ok := s.db.GetSetting(db.SettingSitePrivateKeyEncrypted)
	if !ok || blob == "" {
		return nil, ErrNoSiteKey
	}
	return s.decryptPrivate(blob)
}

// PrivateKeyForActor resolves the signing key for a local actor URI by its
// path shape: /ap/users/<name>, /ap/boards/<slug>, /ap/site.
func (s *Store) PrivateKeyForActor(actorURI string) (*rsa.PrivateKey, error) {
	path, ok := strings.CutPrefix(actorURI, s.baseURL)
	if !ok {
		return nil, ErrUnknownActor
	}

	switch {
	case path == "/ap/site":
		return s.SitePrivateKey()
	case strings.HasPrefix(path, "/ap/users/"):
		u, err := s.db.UserByUsername(strings.TrimPrefix(path, "/ap/users/"))
		if err != nil {
			return nil, err
		}
		if u.APPrivateKeyEncrypted == "" {
			return nil, fmt.Errorf("user %s: %w", u.Username, ErrUnknownActor)
		}
		return s.decryptPrivate(u.APPrivateKeyEncrypted)
	case strings.HasPrefix(path, "/ap/boards/"):
		b, err := s.db.BoardBySlug(strings.TrimPrefix(path, "/ap/boards/"))
		if err != nil {
			return nil, err
		}
		if b.APPrivateKeyEncrypted == "" {
			return nil, fmt.Errorf("board %s: %w", b.Slug, ErrUnknownActor)
		}
		return s.decryptPrivate(b.APPrivateKeyEncrypted)
	}
	return nil, ErrUnknownActor
}

// ─── Internals ────────────────────────────────────────────────────────────────

// generate creates an RSA-2048 keypair and returns the public PEM plus the
// base64-encoded vault blob of the private PEM.
func (s *Store) generate() (pubPEM, encodedBlob string, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("generate RSA key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}))

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	blob, err := s.vault.Encrypt(privPEM)
	if err != nil {
		return "", "", fmt.Errorf("encrypt private key: %w", err)
	}
	return pubPEM, base64.StdEncoding.EncodeToString(blob), nil
}

func (s *Store) decryptPrivate(encodedBlob string) (*rsa.PrivateKey, error) {
	blob, err := base64.StdEncoding.DecodeString(encodedBlob)
	if err != nil {
		return nil, fmt.Errorf("decode key blob: %w", err)
	}
	privPEM, err := s.vault.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("invalid private key PEM")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return priv, nil
}
