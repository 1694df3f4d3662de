package ap

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/driftboard/driftboard/internal/db"
	"github.com/driftboard/driftboard/internal/keys"
	"github.com/driftboard/driftboard/internal/safehttp"
)

// Actor resolution failures.
var (
	ErrInvalidActorURL  = errors.New("invalid_actor_url")
	ErrSelfReferencing  = errors.New("self_referencing")
	ErrMissingPublicKey = errors.New("missing_public_key")
	ErrNoSiteKey        = keys.ErrNoSiteKey
)

const defaultActorCacheTTL = 24 * time.Hour

// Resolver fetches and caches remote actor profiles. The remote_actors table
// is the cache; freshness is judged by fetched_at against the TTL. All key
// lookups for signature verification funnel through here.
type Resolver struct {
	db        *db.Store
	http      *safehttp.Client
	keys      *keys.Store
	sanitizer *Sanitizer
	baseURL   string
	siteActor string
	ttl       time.Duration
}

func NewResolver(store *db.Store, client *safehttp.Client, ks *keys.Store, san *Sanitizer, baseURL, siteActorURI string, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultActorCacheTTL
	}
	return &Resolver{
		db:        store,
		http:      client,
		keys:      ks,
		sanitizer: san,
		baseURL:   strings.TrimRight(baseURL, "/"),
		siteActor: siteActorURI,
		ttl:       ttl,
	}
}

// Resolve returns the cached actor when fresh, fetching otherwise. A fetch
// failure with a stale-but-present cache entry falls back to the stale copy.
func (r *Resolver) Resolve(ctx context.Context, apID string) (*db.RemoteActor, error) {
	cached, err := r.db.RemoteActorByAPID(apID)
	if err == nil && time.Since(cached.FetchedAt) <= r.ttl {
		return cached, nil
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	fetched, fetchErr := r.fetch(ctx, apID)
	if fetchErr != nil {
		if cached != nil {
			slog.Warn("actor refresh failed, serving stale",
				"ap_id", apID, "error", fetchErr)
			return cached, nil
		}
		return nil, fetchErr
	}
	return fetched, nil
}

// ResolveByKeyID strips the key fragment and resolves the owning actor.
func (r *Resolver) ResolveByKeyID(ctx context.Context, keyID string) (*db.RemoteActor, error) {
	apID := keyID
	if i := strings.IndexByte(apID, '#'); i >= 0 {
		apID = apID[:i]
	}
	return r.Resolve(ctx, apID)
}

// Refresh forces a fetch regardless of cache freshness.
func (r *Resolver) Refresh(ctx context.Context, apID string) (*db.RemoteActor, error) {
	return r.fetch(ctx, apID)
}

// ResolveKey adapts the resolver to signature verification: keyId in, parsed
// RSA public key and canonical actor id out.
func (r *Resolver) ResolveKey(ctx context.Context, keyID string) (*rsa.PublicKey, string, error) {
	actor, err := r.ResolveByKeyID(ctx, keyID)
	if err != nil {
		return nil, "", err
	}
	pub, err := ParseRSAPublicKeyPEM(actor.PublicKeyPEM)
	if err != nil {
		return nil, "", err
	}
	return pub, actor.APID, nil
}

// fetch runs the full pipeline: URL policy, unsigned GET, 401 fallback to a
// site-key signed GET, parse, sanitize, upsert.
func (r *Resolver) fetch(ctx context.Context, apID string) (*db.RemoteActor, error) {
	u, err := url.Parse(apID)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q: %w", apID, ErrInvalidActorURL)
	}
	if IsLocalURI(apID, r.baseURL) {
		return nil, fmt.Errorf("%q: %w", apID, ErrSelfReferencing)
	}

	resp, err := r.http.Get(ctx, apID)
	if err != nil {
		return nil, fmt.Errorf("fetch actor %s: %w", apID, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp, err = r.signedFetch(ctx, apID)
		if err != nil {
			return nil, err
		}
	}
	if !resp.Succeeded() {
		return nil, fmt.Errorf("fetch actor %s: status %d", apID, resp.StatusCode)
	}

	actor, err := parseActorDocument(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("actor %s: %w", apID, err)
	}

	record := &db.RemoteActor{
		APID:         actor.ID,
		Username:     actor.PreferredUsername,
		Domain:       DomainOf(actor.ID),
		DisplayName:  r.sanitizer.SanitizeDisplayName(actor.Name),
		AvatarURL:    avatarURL(actor),
		Summary:      r.sanitizer.Sanitize(actor.Summary),
		PublicKeyPEM: actor.PublicKey.PublicKeyPem,
		Inbox:        actor.Inbox,
		ActorType:    actor.Type,
	}
	if actor.Endpoints != nil {
		record.SharedInbox = actor.Endpoints.SharedInbox
	}
	if record.Username == "" {
		record.Username = record.Domain
	}

	stored, err := r.db.UpsertRemoteActor(record)
	if err != nil {
		return nil, fmt.Errorf("store actor %s: %w", actor.ID, err)
	}
	slog.Debug("resolved remote actor", "ap_id", stored.APID, "domain", stored.Domain)
	return stored, nil
}

// signedFetch retries an actor fetch with the site actor's signature, for
// peers running authorized fetch. Propagates ErrNoSiteKey when the instance
// has not generated a site keypair.
func (r *Resolver) signedFetch(ctx context.Context, apID string) (*safehttp.Response, error) {
	priv, err := r.keys.SitePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("signed fetch %s: %w", apID, err)
	}
	resp, err := r.http.SignedGet(ctx, apID, func(req *http.Request, body []byte) error {
		return signRequest(req, body, priv, KeyID(r.siteActor))
	})
	if err != nil {
		return nil, fmt.Errorf("signed fetch %s: %w", apID, err)
	}
	return resp, nil
}

// parseActorDocument decodes and validates the minimum actor fields.
func parseActorDocument(body []byte) (*Actor, error) {
	var actor Actor
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("parse actor document: %w", err)
	}
	switch {
	case actor.ID == "":
		return nil, errors.New("missing_id")
	case actor.Type == "":
		return nil, errors.New("missing_type")
	case actor.Inbox == "":
		return nil, errors.New("missing_inbox")
	case actor.PublicKey == nil || actor.PublicKey.PublicKeyPem == "":
		return nil, ErrMissingPublicKey
	}
	return &actor, nil
}

func avatarURL(actor *Actor) string {
	if actor.Icon == nil {
		return ""
	}
	return actor.Icon.URL
}
