package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/driftboard/driftboard/internal/ap"
	"github.com/driftboard/driftboard/internal/config"
	"github.com/driftboard/driftboard/internal/db"
	"github.com/driftboard/driftboard/internal/keys"
)

// ActorDocs builds the ActivityPub actor documents for local subjects.
// Serving a document ensures its keypair exists, so the first federated
// request an actor receives is also the moment it becomes signable.
type ActorDocs struct {
	cfg   *config.Config
	store *db.Store
	keys  *keys.Store
}

func NewActorDocs(cfg *config.Config, store *db.Store, ks *keys.Store) *ActorDocs {
	return &ActorDocs{cfg: cfg, store: store, keys: ks}
}

// User builds the Person document for a local user.
func (d *ActorDocs) User(username string) (*ap.Actor, error) {
	if _, err := d.store.UserByUsername(username); err != nil {
		return nil, err
	}
	pubPEM, err := d.keys.EnsureUserKeypair(username)
	if err != nil {
		return nil, err
	}
	uri := d.cfg.UserActorURI(username)
	return &ap.Actor{
		ID:                uri,
		Type:              "Person",
		PreferredUsername: username,
		Inbox:             uri + "/inbox",
		Followers:         uri + "/followers",
		PublicKey: &ap.PublicKey{
			ID:           ap.KeyID(uri),
			Owner:        uri,
			PublicKeyPem: pubPEM,
		},
		Endpoints: &ap.Endpoints{SharedInbox: d.cfg.AbsoluteURL("/ap/inbox")},
		URL:       d.cfg.AbsoluteURL("/users/" + username),
	}, nil
}

// Board builds the Group document for a local board.
func (d *ActorDocs) Board(slug string) (*ap.Actor, error) {
	board, err := d.store.BoardBySlug(slug)
	if err != nil {
		return nil, err
	}
	pubPEM, err := d.keys.EnsureBoardKeypair(slug)
	if err != nil {
		return nil, err
	}
	uri := d.cfg.BoardActorURI(slug)
	return &ap.Actor{
		ID:                uri,
		Type:              "Group",
		Name:              board.Title,
		PreferredUsername: slug,
		Inbox:             uri + "/inbox",
		Followers:         uri + "/followers",
		PublicKey: &ap.PublicKey{
			ID:           ap.KeyID(uri),
			Owner:        uri,
			PublicKeyPem: pubPEM,
		},
		Endpoints: &ap.Endpoints{SharedInbox: d.cfg.AbsoluteURL("/ap/inbox")},
		URL:       d.cfg.AbsoluteURL("/b/" + slug),
	}, nil
}

// Site builds the instance Application actor used for signed fetches and
// moderation reports.
func (d *ActorDocs) Site() (*ap.Actor, error) {
	pubPEM, err := d.keys.EnsureSiteKeypair()
	if err != nil {
		return nil, err
	}
	uri := d.cfg.SiteActorURI()
	return &ap.Actor{
		ID:                uri,
		Type:              "Application",
		Name:              "driftboard",
		PreferredUsername: "driftboard",
		Inbox:             d.cfg.AbsoluteURL("/ap/inbox"),
		PublicKey: &ap.PublicKey{
			ID:           ap.KeyID(uri),
			Owner:        uri,
			PublicKeyPem: pubPEM,
		},
		URL: d.cfg.BaseURL,
	}, nil
}

// ─── Actor handlers ───────────────────────────────────────────────────────────

func (s *Server) handleUserActor(w http.ResponseWriter, r *http.Request) {
	docs := NewActorDocs(s.cfg, s.store, s.keys)
	actor, err := docs.User(chi.URLParam(r, "username"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	cacheHeaders(w, 300)
	apResponse(w, ap.WithContext(actor))
}

func (s *Server) handleBoardActor(w http.ResponseWriter, r *http.Request) {
	docs := NewActorDocs(s.cfg, s.store, s.keys)
	actor, err := docs.Board(chi.URLParam(r, "slug"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	cacheHeaders(w, 300)
	apResponse(w, ap.WithContext(actor))
}

func (s *Server) handleSiteActor(w http.ResponseWriter, r *http.Request) {
	docs := NewActorDocs(s.cfg, s.store, s.keys)
	actor, err := docs.Site()
	if err != nil {
		slog.Error("site actor unavailable", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	cacheHeaders(w, 300)
	apResponse(w, ap.WithContext(actor))
}

func (s *Server) handleUserFollowers(w http.ResponseWriter, r *http.Request) {
	s.serveFollowers(w, r, s.cfg.UserActorURI(chi.URLParam(r, "username")))
}

func (s *Server) handleBoardFollowers(w http.ResponseWriter, r *http.Request) {
	s.serveFollowers(w, r, s.cfg.BoardActorURI(chi.URLParam(r, "slug")))
}

func (s *Server) serveFollowers(w http.ResponseWriter, r *http.Request, actorURI string) {
	followers, err := s.store.FollowerInboxes(actorURI)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	items := make([]string, 0, len(followers))
	for _, f := range followers {
		items = append(items, f.FollowerURI)
	}
	apResponse(w, ap.OrderedCollection{
		Context:      ap.ActivityStreamsNS,
		ID:           actorURI + "/followers",
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	})
}
