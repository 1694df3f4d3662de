package ap

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftboard/driftboard/internal/config"
	"github.com/driftboard/driftboard/internal/db"
	"github.com/driftboard/driftboard/internal/keys"
	"github.com/driftboard/driftboard/internal/safehttp"
)

const (
	inboxBaseURL   = "https://boards.example.com"
	remoteActorURI = "https://remote.example/u/eve"
)

// syncTasks runs scheduled work inline so tests observe its effects directly.
type syncTasks struct {
	names []string
}

func (s *syncTasks) Go(name string, fn func(ctx context.Context)) bool {
	s.names = append(s.names, name)
	fn(context.Background())
	return true
}

type fakeBlocklist map[string]bool

func (b fakeBlocklist) Blocked(domain string) bool { return b[domain] }

type inboxFixture struct {
	handler *Handler
	store   *db.Store
	queue   *recordingQueue
	tasks   *syncTasks
	blocked fakeBlocklist
	actor   *db.RemoteActor
	cfg     *config.Config
}

func newInboxFixture(t *testing.T) *inboxFixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())

	cfg := &config.Config{
		BaseURL:       inboxBaseURL,
		ActorCacheTTL: time.Hour,
	}
	sanitizer := NewSanitizer()
	keyStore := keys.NewStore(store, keys.NewVault("inbox-test-secret"), cfg.BaseURL)
	client := safehttp.New(safehttp.Options{AllowPrivate: true})
	resolver := NewResolver(store, client, keyStore, sanitizer, cfg.BaseURL,
		cfg.SiteActorURI(), cfg.ActorCacheTTL)

	queue := &recordingQueue{}
	tasks := &syncTasks{}
	blocked := fakeBlocklist{}

	actor, err := store.UpsertRemoteActor(&db.RemoteActor{
		APID:         remoteActorURI,
		Username:     "eve",
		Domain:       "remote.example",
		Inbox:        "https://remote.example/u/eve/inbox",
		SharedInbox:  "https://remote.example/inbox",
		PublicKeyPEM: "unused",
		ActorType:    "Person",
		FetchedAt:    time.Now(),
	})
	require.NoError(t, err)

	handler := NewHandler(store, cfg, NewValidator(0, 0), sanitizer, resolver,
		blocked, NewPublisher(cfg, queue), tasks)
	return &inboxFixture{
		handler: handler, store: store, queue: queue,
		tasks: tasks, blocked: blocked, actor: actor, cfg: cfg,
	}
}

func (f *inboxFixture) handle(t *testing.T, payload string) error {
	t.Helper()
	return f.handler.Handle(context.Background(), []byte(payload), f.actor, Target{})
}

func activityJSON(t *testing.T, act map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(act)
	require.NoError(t, err)
	return string(raw)
}

// ─── Gate ─────────────────────────────────────────────────────────────────────

func TestHandleRejectsActorMismatch(t *testing.T) {
	f := newInboxFixture(t)
	err := f.handle(t, `{
		"id": "https://remote.example/acts/1",
		"type": "Like",
		"actor": "https://other.example/u/mallory",
		"object": "https://boards.example.com/articles/1"
	}`)
	assert.ErrorIs(t, err, ErrActorMismatch)
}

func TestHandleRejectsBlockedDomain(t *testing.T) {
	f := newInboxFixture(t)
	f.blocked["remote.example"] = true
	err := f.handle(t, `{
		"id": "https://remote.example/acts/1",
		"type": "Like",
		"actor": "`+remoteActorURI+`",
		"object": "https://boards.example.com/articles/1"
	}`)
	assert.ErrorIs(t, err, ErrDomainBlocked)
}

func TestHandleRefusesLocalActor(t *testing.T) {
	f := newInboxFixture(t)
	err := f.handle(t, `{
		"id": "https://remote.example/acts/1",
		"type": "Like",
		"actor": "https://boards.example.com/ap/users/alice",
		"object": "https://boards.example.com/articles/1"
	}`)
	assert.ErrorIs(t, err, ErrLocalActorRefused)
}

// ─── Follow / Undo ────────────────────────────────────────────────────────────

func followPayload(localURI string) string {
	return fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.example/acts/follow-1",
		"type": "Follow",
		"actor": %q,
		"object": %q
	}`, remoteActorURI, localURI)
}

func TestFollowRecordsFollowerAndSendsAccept(t *testing.T) {
	f := newInboxFixture(t)
	_, err := f.store.CreateUser("alice")
	require.NoError(t, err)
	localURI := f.cfg.UserActorURI("alice")

	require.NoError(t, f.handle(t, followPayload(localURI)))

	inboxes, err := f.store.FollowerInboxes(localURI)
	require.NoError(t, err)
	require.Len(t, inboxes, 1)
	assert.Equal(t, remoteActorURI, inboxes[0].FollowerURI)

	assert.Equal(t, []string{"send_accept"}, f.tasks.names)
	require.Len(t, f.queue.activities, 1)
	assert.Equal(t, localURI, f.queue.actors[0])
	assert.Equal(t, []string{"https://remote.example/inbox"}, f.queue.inboxes[0],
		"Accept goes to the follower's shared inbox")

	var accept map[string]any
	require.NoError(t, json.Unmarshal([]byte(f.queue.activities[0]), &accept))
	assert.Equal(t, "Accept", accept["type"])
	assert.Equal(t, localURI, accept["actor"])
	inner := accept["object"].(map[string]any)
	assert.Equal(t, "https://remote.example/acts/follow-1", inner["id"],
		"Accept echoes the original Follow")
	assert.Equal(t, "Follow", inner["type"])
	assert.NotContains(t, inner, "@context")
}

func TestFollowReplayIsIdempotent(t *testing.T) {
	f := newInboxFixture(t)
	_, err := f.store.CreateUser("alice")
	require.NoError(t, err)
	localURI := f.cfg.UserActorURI("alice")

	require.NoError(t, f.handle(t, followPayload(localURI)))
	require.NoError(t, f.handle(t, followPayload(localURI)))

	inboxes, err := f.store.FollowerInboxes(localURI)
	require.NoError(t, err)
	assert.Len(t, inboxes, 1, "replay does not duplicate the follower")
}

func TestFollowOfNonLocalObjectIgnored(t *testing.T) {
	f := newInboxFixture(t)
	require.NoError(t, f.handle(t, followPayload("https://elsewhere.example/u/x")))
	assert.Empty(t, f.tasks.names)
	assert.Empty(t, f.queue.activities)
}

func TestUndoFollowRemovesFollower(t *testing.T) {
	f := newInboxFixture(t)
	_, err := f.store.CreateUser("alice")
	require.NoError(t, err)
	localURI := f.cfg.UserActorURI("alice")
	require.NoError(t, f.handle(t, followPayload(localURI)))

	err = f.handle(t, fmt.Sprintf(`{
		"id": "https://remote.example/acts/undo-1",
		"type": "Undo",
		"actor": %q,
		"object": {
			"id": "https://remote.example/acts/follow-1",
			"type": "Follow",
			"actor": %q,
			"object": %q
		}
	}`, remoteActorURI, remoteActorURI, localURI))
	require.NoError(t, err)

	inboxes, err := f.store.FollowerInboxes(localURI)
	require.NoError(t, err)
	assert.Empty(t, inboxes)
}

// ─── Create ───────────────────────────────────────────────────────────────────

func (f *inboxFixture) seedArticle(t *testing.T, apID string) *db.Article {
	t.Helper()
	_, err := f.store.CreateBoard("golang", "Go", "public", "open")
	require.NoError(t, err)
	board, err := f.store.BoardBySlug("golang")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateRemoteArticle(apID, board.ID, f.actor.ID, "t", "b"))
	article, err := f.store.ArticleByAPID(apID)
	require.NoError(t, err)
	return article
}

func TestCreateNoteReplyBecomesComment(t *testing.T) {
	f := newInboxFixture(t)
	article := f.seedArticle(t, "https://boards.example.com/articles/1")

	err := f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/create-1",
		"type":  "Create",
		"actor": remoteActorURI,
		"object": map[string]any{
			"id":           "https://remote.example/notes/1",
			"type":         "Note",
			"attributedTo": remoteActorURI,
			"inReplyTo":    article.APID,
			"content":      `<p>nice <script>alert(1)</script>post</p>`,
		},
	}))
	require.NoError(t, err)

	comment, err := f.store.CommentByAPID("https://remote.example/notes/1")
	require.NoError(t, err)
	assert.Equal(t, article.ID, comment.ArticleID)
	assert.Nil(t, comment.ParentID)
	assert.NotContains(t, comment.Body, "script")
	assert.Contains(t, comment.Body, "nice")
}

func TestCreateNoteThreadedReply(t *testing.T) {
	f := newInboxFixture(t)
	article := f.seedArticle(t, "https://boards.example.com/articles/1")
	require.NoError(t, f.store.CreateRemoteComment(
		"https://remote.example/notes/parent", article.ID, nil, f.actor.ID, "parent"))
	parent, err := f.store.CommentByAPID("https://remote.example/notes/parent")
	require.NoError(t, err)

	err = f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/create-2",
		"type":  "Create",
		"actor": remoteActorURI,
		"object": map[string]any{
			"id":        "https://remote.example/notes/child",
			"type":      "Note",
			"inReplyTo": parent.APID,
			"content":   "<p>reply</p>",
		},
	}))
	require.NoError(t, err)

	child, err := f.store.CommentByAPID("https://remote.example/notes/child")
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, parent.ID, *child.ParentID)
}

func TestCreateNoteWithContentWarning(t *testing.T) {
	f := newInboxFixture(t)
	article := f.seedArticle(t, "https://boards.example.com/articles/1")

	err := f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/create-3",
		"type":  "Create",
		"actor": remoteActorURI,
		"object": map[string]any{
			"id":        "https://remote.example/notes/cw",
			"type":      "Note",
			"inReplyTo": article.APID,
			"sensitive": true,
			"summary":   "spoilers",
			"content":   "<p>the ending</p>",
		},
	}))
	require.NoError(t, err)

	comment, err := f.store.CommentByAPID("https://remote.example/notes/cw")
	require.NoError(t, err)
	assert.Contains(t, comment.Body, "[CW: spoilers]\n\n")
	assert.Contains(t, comment.Body, "the ending")
}

func TestCreateNoteDirectMessage(t *testing.T) {
	f := newInboxFixture(t)
	_, err := f.store.CreateUser("alice")
	require.NoError(t, err)

	err = f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/create-dm",
		"type":  "Create",
		"actor": remoteActorURI,
		"to":    []string{f.cfg.UserActorURI("alice")},
		"object": map[string]any{
			"id":           "https://remote.example/notes/dm",
			"type":         "Note",
			"to":           []string{f.cfg.UserActorURI("alice")},
			"content":      "<p>psst</p>",
			"conversation": "https://remote.example/conv/1",
		},
	}))
	require.NoError(t, err)

	id, remoteActorID, err := f.store.DMByAPID("https://remote.example/notes/dm")
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, f.actor.ID, remoteActorID)
}

func TestCreateNotePublicIsNotDM(t *testing.T) {
	f := newInboxFixture(t)
	_, err := f.store.CreateUser("alice")
	require.NoError(t, err)

	// Public addressing alongside the user URI makes this a plain note.
	err = f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/create-pub",
		"type":  "Create",
		"actor": remoteActorURI,
		"to":    []string{PublicURI, f.cfg.UserActorURI("alice")},
		"object": map[string]any{
			"id":      "https://remote.example/notes/pub",
			"type":    "Note",
			"content": "<p>hello world</p>",
		},
	}))
	require.NoError(t, err)

	_, _, err = f.store.DMByAPID("https://remote.example/notes/pub")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestCreateNoteFansOutToFollowerFeeds(t *testing.T) {
	f := newInboxFixture(t)
	userID, err := f.store.CreateUser("alice")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateUserFollow(userID, f.actor.ID, "https://boards.example.com/ap/users/alice#follow-1"))
	require.NoError(t, f.store.ResolveUserFollow("https://boards.example.com/ap/users/alice#follow-1", true))

	err = f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/create-feed",
		"type":  "Create",
		"actor": remoteActorURI,
		"to":    []string{PublicURI},
		"object": map[string]any{
			"id":      "https://remote.example/notes/feed",
			"type":    "Note",
			"content": "<p>status</p>",
		},
	}))
	require.NoError(t, err)

	// The unique constraint proves the feed row exists.
	err = f.store.CreateFeedItem("https://remote.example/notes/feed", userID, f.actor.ID, "", "x")
	assert.ErrorIs(t, err, db.ErrAlreadyExists)
}

func TestCreateArticleTargetedAtBoard(t *testing.T) {
	f := newInboxFixture(t)
	_, err := f.store.CreateBoard("golang", "Go", "public", "open")
	require.NoError(t, err)

	err = f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/create-art",
		"type":  "Create",
		"actor": remoteActorURI,
		"to":    []string{PublicURI},
		"cc":    []string{f.cfg.BoardActorURI("golang")},
		"object": map[string]any{
			"id":      "https://remote.example/articles/1",
			"type":    "Article",
			"name":    "Generics in practice",
			"content": "<p>body</p>",
		},
	}))
	require.NoError(t, err)

	article, err := f.store.ArticleByAPID("https://remote.example/articles/1")
	require.NoError(t, err)
	assert.Equal(t, "Generics in practice", article.Title)
}

func TestCreateArticleAtBoardInbox(t *testing.T) {
	f := newInboxFixture(t)
	_, err := f.store.CreateBoard("golang", "Go", "public", "open")
	require.NoError(t, err)
	board, err := f.store.BoardBySlug("golang")
	require.NoError(t, err)

	// No board in the addressing; the inbox it arrived on decides.
	payload := activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/create-art2",
		"type":  "Create",
		"actor": remoteActorURI,
		"to":    []string{PublicURI},
		"object": map[string]any{
			"id":      "https://remote.example/articles/2",
			"type":    "Page",
			"name":    "Linked",
			"content": "<p>body</p>",
		},
	})
	err = f.handler.Handle(context.Background(), []byte(payload), f.actor, Target{Board: board})
	require.NoError(t, err)

	_, err = f.store.ArticleByAPID("https://remote.example/articles/2")
	assert.NoError(t, err)
}

func TestCreateArticleFollowersOnlyBoardDropsStrangers(t *testing.T) {
	f := newInboxFixture(t)
	_, err := f.store.CreateBoard("private-ish", "P", "public", "followers_only")
	require.NoError(t, err)

	err = f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/create-art3",
		"type":  "Create",
		"actor": remoteActorURI,
		"cc":    []string{f.cfg.BoardActorURI("private-ish")},
		"object": map[string]any{
			"id":      "https://remote.example/articles/3",
			"type":    "Article",
			"content": "<p>body</p>",
		},
	}))
	require.NoError(t, err, "the drop is silent")

	_, err = f.store.ArticleByAPID("https://remote.example/articles/3")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestCreateArticleCrossPostLinksBoard(t *testing.T) {
	f := newInboxFixture(t)
	article := f.seedArticle(t, "https://remote.example/articles/4")
	_, err := f.store.CreateBoard("second", "Second", "public", "open")
	require.NoError(t, err)
	second, err := f.store.BoardBySlug("second")
	require.NoError(t, err)

	err = f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/create-art4",
		"type":  "Create",
		"actor": remoteActorURI,
		"cc":    []string{f.cfg.BoardActorURI("second")},
		"object": map[string]any{
			"id":      article.APID,
			"type":    "Article",
			"content": "<p>body</p>",
		},
	}))
	require.NoError(t, err)

	boardIDs, err := f.store.PublicBoardIDsForArticle(article.ID)
	require.NoError(t, err)
	assert.Contains(t, boardIDs, second.ID)
}

func TestCreateRejectsAttributionMismatch(t *testing.T) {
	f := newInboxFixture(t)
	err := f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/create-bad",
		"type":  "Create",
		"actor": remoteActorURI,
		"object": map[string]any{
			"id":           "https://remote.example/notes/bad",
			"type":         "Note",
			"attributedTo": "https://other.example/u/mallory",
			"content":      "x",
		},
	}))
	assert.ErrorIs(t, err, ErrAttributionMismatch)
}

// ─── Like / Announce ──────────────────────────────────────────────────────────

func TestLikeOnKnownArticle(t *testing.T) {
	f := newInboxFixture(t)
	article := f.seedArticle(t, "https://boards.example.com/articles/1")

	err := f.handle(t, fmt.Sprintf(`{
		"id": "https://remote.example/acts/like-1",
		"type": "Like",
		"actor": %q,
		"object": %q
	}`, remoteActorURI, article.APID))
	require.NoError(t, err)

	err = f.store.CreateArticleLike("https://remote.example/acts/like-1", article.ID, f.actor.ID)
	assert.ErrorIs(t, err, db.ErrAlreadyExists)
}

func TestLikeOnUnknownObjectIsDropped(t *testing.T) {
	f := newInboxFixture(t)
	err := f.handle(t, `{
		"id": "https://remote.example/acts/like-2",
		"type": "Like",
		"actor": "`+remoteActorURI+`",
		"object": "https://elsewhere.example/things/9"
	}`)
	assert.NoError(t, err)
}

func TestAnnounceWithEmbeddedActivity(t *testing.T) {
	f := newInboxFixture(t)
	article := f.seedArticle(t, "https://boards.example.com/articles/1")

	// Lemmy-style: the announced object arrives embedded, not as a bare URI.
	err := f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/announce-1",
		"type":  "Announce",
		"actor": remoteActorURI,
		"object": map[string]any{
			"id":   article.APID,
			"type": "Page",
		},
	}))
	require.NoError(t, err)

	err = f.store.CreateAnnounce("https://remote.example/acts/announce-1", article.APID, &article.ID, f.actor.ID)
	assert.ErrorIs(t, err, db.ErrAlreadyExists)
}

func TestUndoLikeRemovesLike(t *testing.T) {
	f := newInboxFixture(t)
	article := f.seedArticle(t, "https://boards.example.com/articles/1")

	likeID := "https://remote.example/acts/like-3"
	err := f.handle(t, fmt.Sprintf(`{
		"id": %q,
		"type": "Like",
		"actor": %q,
		"object": %q
	}`, likeID, remoteActorURI, article.APID))
	require.NoError(t, err)

	err = f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/undo-like-3",
		"type":  "Undo",
		"actor": remoteActorURI,
		"object": map[string]any{
			"id":   likeID,
			"type": "Like",
		},
	}))
	require.NoError(t, err)

	// The pair is free again, so the row was removed.
	err = f.store.CreateArticleLike(likeID, article.ID, f.actor.ID)
	assert.NoError(t, err)
}

func TestUndoAnnounceRemovesAnnounce(t *testing.T) {
	f := newInboxFixture(t)
	article := f.seedArticle(t, "https://boards.example.com/articles/1")

	announceID := "https://remote.example/acts/announce-2"
	err := f.handle(t, activityJSON(t, map[string]any{
		"id":     announceID,
		"type":   "Announce",
		"actor":  remoteActorURI,
		"object": article.APID,
	}))
	require.NoError(t, err)

	err = f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/undo-announce-2",
		"type":  "Undo",
		"actor": remoteActorURI,
		"object": map[string]any{
			"id":   announceID,
			"type": "Announce",
		},
	}))
	require.NoError(t, err)

	err = f.store.CreateAnnounce(announceID, article.APID, &article.ID, f.actor.ID)
	assert.NoError(t, err)
}

// ─── Update / Delete ──────────────────────────────────────────────────────────

func TestUpdateNoteEditsComment(t *testing.T) {
	f := newInboxFixture(t)
	article := f.seedArticle(t, "https://boards.example.com/articles/1")
	require.NoError(t, f.store.CreateRemoteComment(
		"https://remote.example/notes/1", article.ID, nil, f.actor.ID, "old"))

	err := f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/update-1",
		"type":  "Update",
		"actor": remoteActorURI,
		"object": map[string]any{
			"id":      "https://remote.example/notes/1",
			"type":    "Note",
			"content": "<p>edited</p>",
		},
	}))
	require.NoError(t, err)

	comment, err := f.store.CommentByAPID("https://remote.example/notes/1")
	require.NoError(t, err)
	assert.Contains(t, comment.Body, "edited")
}

func TestDeleteSelfRemovesFollowsAndContent(t *testing.T) {
	f := newInboxFixture(t)
	_, err := f.store.CreateUser("alice")
	require.NoError(t, err)
	localURI := f.cfg.UserActorURI("alice")
	require.NoError(t, f.handle(t, followPayload(localURI)))
	article := f.seedArticle(t, "https://remote.example/articles/1")

	err = f.handle(t, fmt.Sprintf(`{
		"id": "https://remote.example/acts/delete-self",
		"type": "Delete",
		"actor": %q,
		"object": %q
	}`, remoteActorURI, remoteActorURI))
	require.NoError(t, err)

	inboxes, err := f.store.FollowerInboxes(localURI)
	require.NoError(t, err)
	assert.Empty(t, inboxes)

	got, err := f.store.ArticleByAPID(article.APID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestDeleteArticle(t *testing.T) {
	f := newInboxFixture(t)
	article := f.seedArticle(t, "https://remote.example/articles/1")

	err := f.handle(t, fmt.Sprintf(`{
		"id": "https://remote.example/acts/delete-1",
		"type": "Delete",
		"actor": %q,
		"object": %q
	}`, remoteActorURI, article.APID))
	require.NoError(t, err)

	got, err := f.store.ArticleByAPID(article.APID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

// ─── Accept / Reject / Flag ───────────────────────────────────────────────────

func TestAcceptResolvesOutgoingFollow(t *testing.T) {
	f := newInboxFixture(t)
	userID, err := f.store.CreateUser("alice")
	require.NoError(t, err)
	followID := "https://boards.example.com/ap/users/alice#follow-out"
	require.NoError(t, f.store.CreateUserFollow(userID, f.actor.ID, followID))

	err = f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/accept-1",
		"type":  "Accept",
		"actor": remoteActorURI,
		"object": map[string]any{
			"id":   followID,
			"type": "Follow",
		},
	}))
	require.NoError(t, err)

	users, err := f.store.UsersFollowingRemote(f.actor.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{userID}, users)
}

func TestRejectResolvesOutgoingBoardFollow(t *testing.T) {
	f := newInboxFixture(t)
	_, err := f.store.CreateBoard("golang", "Go", "public", "open")
	require.NoError(t, err)
	board, err := f.store.BoardBySlug("golang")
	require.NoError(t, err)
	followID := "https://boards.example.com/ap/boards/golang#follow-out"
	require.NoError(t, f.store.CreateBoardFollow(board.ID, f.actor.ID, followID))

	err = f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/reject-1",
		"type":  "Reject",
		"actor": remoteActorURI,
		"object": map[string]any{
			"id":   followID,
			"type": "Follow",
		},
	}))
	require.NoError(t, err)

	ok, err := f.store.AcceptedBoardFollowExists(board.ID, f.actor.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcceptWithoutMatchingFollowIsDropped(t *testing.T) {
	f := newInboxFixture(t)
	err := f.handle(t, activityJSON(t, map[string]any{
		"id":    "https://remote.example/acts/accept-2",
		"type":  "Accept",
		"actor": remoteActorURI,
		"object": map[string]any{
			"id":   "https://boards.example.com/ap/users/nobody#follow",
			"type": "Follow",
		},
	}))
	assert.NoError(t, err)
}

func TestFlagCreatesReport(t *testing.T) {
	f := newInboxFixture(t)
	article := f.seedArticle(t, "https://boards.example.com/articles/1")

	err := f.handle(t, activityJSON(t, map[string]any{
		"id":      "https://remote.example/acts/flag-1",
		"type":    "Flag",
		"actor":   remoteActorURI,
		"object":  []string{remoteActorURI, article.APID},
		"content": "spam",
	}))
	assert.NoError(t, err)
}

// ─── Move ─────────────────────────────────────────────────────────────────────

const movedActorURI = "https://newhome.example/u/eve2"

// seedMovedActor caches the destination actor so the migration resolves it
// without a network fetch.
func (f *inboxFixture) seedMovedActor(t *testing.T) *db.RemoteActor {
	t.Helper()
	actor, err := f.store.UpsertRemoteActor(&db.RemoteActor{
		APID:         movedActorURI,
		Username:     "eve2",
		Domain:       "newhome.example",
		Inbox:        movedActorURI + "/inbox",
		PublicKeyPEM: "unused",
		ActorType:    "Person",
	})
	require.NoError(t, err)
	return actor
}

func movePayload(t *testing.T) string {
	return activityJSON(t, map[string]any{
		"id":     "https://remote.example/acts/move-1",
		"type":   "Move",
		"actor":  remoteActorURI,
		"object": remoteActorURI,
		"target": movedActorURI,
	})
}

func TestMoveMigratesFollowers(t *testing.T) {
	f := newInboxFixture(t)
	_, err := f.store.CreateUser("alice")
	require.NoError(t, err)
	localURI := f.cfg.UserActorURI("alice")
	require.NoError(t, f.handle(t, followPayload(localURI)))
	newActor := f.seedMovedActor(t)

	require.NoError(t, f.handle(t, movePayload(t)))

	inboxes, err := f.store.FollowerInboxes(localURI)
	require.NoError(t, err)
	require.Len(t, inboxes, 1)
	assert.Equal(t, movedActorURI, inboxes[0].FollowerURI)
	assert.Equal(t, newActor.Inbox, inboxes[0].Inbox)
}

func TestMoveSkipsFollowersAlreadyOnTarget(t *testing.T) {
	f := newInboxFixture(t)
	_, err := f.store.CreateUser("alice")
	require.NoError(t, err)
	_, err = f.store.CreateUser("bob")
	require.NoError(t, err)
	aliceURI := f.cfg.UserActorURI("alice")
	bobURI := f.cfg.UserActorURI("bob")

	// The old account follows both; the new one already follows alice.
	require.NoError(t, f.handle(t, followPayload(aliceURI)))
	require.NoError(t, f.store.AddFollower(bobURI, remoteActorURI, f.actor.ID,
		"https://remote.example/acts/follow-2"))
	newActor := f.seedMovedActor(t)
	require.NoError(t, f.store.AddFollower(aliceURI, movedActorURI, newActor.ID,
		"https://newhome.example/acts/follow-1"))

	require.NoError(t, f.handle(t, movePayload(t)))

	aliceFollowers, err := f.store.FollowerInboxes(aliceURI)
	require.NoError(t, err)
	require.Len(t, aliceFollowers, 1, "the colliding row is dropped, not duplicated")
	assert.Equal(t, movedActorURI, aliceFollowers[0].FollowerURI)

	bobFollowers, err := f.store.FollowerInboxes(bobURI)
	require.NoError(t, err)
	require.Len(t, bobFollowers, 1)
	assert.Equal(t, movedActorURI, bobFollowers[0].FollowerURI)
}

func TestMoveToBlockedDomainAborts(t *testing.T) {
	f := newInboxFixture(t)
	_, err := f.store.CreateUser("alice")
	require.NoError(t, err)
	localURI := f.cfg.UserActorURI("alice")
	require.NoError(t, f.handle(t, followPayload(localURI)))
	f.seedMovedActor(t)
	f.blocked["newhome.example"] = true

	require.NoError(t, f.handle(t, movePayload(t)))

	inboxes, err := f.store.FollowerInboxes(localURI)
	require.NoError(t, err)
	require.Len(t, inboxes, 1)
	assert.Equal(t, remoteActorURI, inboxes[0].FollowerURI, "followers stay put")
}

func TestMoveWithoutTargetIsIgnored(t *testing.T) {
	f := newInboxFixture(t)
	err := f.handle(t, activityJSON(t, map[string]any{
		"id":     "https://remote.example/acts/move-2",
		"type":   "Move",
		"actor":  remoteActorURI,
		"object": remoteActorURI,
	}))
	assert.NoError(t, err)
}

// ─── Misc ─────────────────────────────────────────────────────────────────────

func TestUnknownActivityTypeIsIgnored(t *testing.T) {
	f := newInboxFixture(t)
	err := f.handle(t, `{
		"id": "https://remote.example/acts/x",
		"type": "Listen",
		"actor": "`+remoteActorURI+`",
		"object": "https://remote.example/audio/1"
	}`)
	assert.NoError(t, err)
}

func TestBlockIsLoggedOnly(t *testing.T) {
	f := newInboxFixture(t)
	err := f.handle(t, `{
		"id": "https://remote.example/acts/block-1",
		"type": "Block",
		"actor": "`+remoteActorURI+`",
		"object": "https://boards.example.com/ap/users/alice"
	}`)
	assert.NoError(t, err)
}
