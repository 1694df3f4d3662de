package ap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/driftboard/driftboard/internal/config"
	"github.com/driftboard/driftboard/internal/db"
)

// Pre-dispatch gate failures. Everything past the gate is handled
// idempotently and answered with success.
var (
	ErrDomainBlocked       = errors.New("domain_blocked")
	ErrLocalActorRefused   = errors.New("local_actor_refused")
	ErrActorMismatch       = errors.New("actor_mismatch")
	ErrAttributionMismatch = errors.New("attribution_mismatch")
)

// Target identifies which inbox an activity arrived on.
type Target struct {
	User  *db.User
	Board *db.Board
}

// Shared reports delivery via the instance-wide inbox.
func (t Target) Shared() bool { return t.User == nil && t.Board == nil }

// Blocklist is the slice of the domain policy the dispatcher consults.
type Blocklist interface {
	Blocked(domain string) bool
}

// TaskRunner schedules short-lived background work (Accept delivery) on the
// supervised pool so shutdown can drain it.
type TaskRunner interface {
	Go(name string, fn func(ctx context.Context)) bool
}

// Handler dispatches verified inbound activities. Every path is idempotent:
// a replayed activity re-runs its handler and lands on a unique-constraint
// skip instead of a duplicate row.
type Handler struct {
	db        *db.Store
	cfg       *config.Config
	validator *Validator
	sanitizer *Sanitizer
	resolver  *Resolver
	policy    Blocklist
	publisher *Publisher
	tasks     TaskRunner
}

func NewHandler(store *db.Store, cfg *config.Config, v *Validator, san *Sanitizer, res *Resolver, pol Blocklist, pub *Publisher, tasks TaskRunner) *Handler {
	return &Handler{
		db: store, cfg: cfg, validator: v, sanitizer: san,
		resolver: res, policy: pol, publisher: pub, tasks: tasks,
	}
}

// Handle parses, gates and dispatches one inbound activity whose signature
// already verified as belonging to actor.
func (h *Handler) Handle(ctx context.Context, payload []byte, actor *db.RemoteActor, target Target) error {
	act, err := h.validator.Parse(payload)
	if err != nil {
		return err
	}

	if h.policy.Blocked(actor.Domain) {
		return fmt.Errorf("%s: %w", actor.Domain, ErrDomainBlocked)
	}
	if IsLocalURI(act.Actor, h.cfg.BaseURL) {
		return fmt.Errorf("%s: %w", act.Actor, ErrLocalActorRefused)
	}
	if act.Actor != actor.APID {
		return fmt.Errorf("activity actor %s signed by %s: %w",
			act.Actor, actor.APID, ErrActorMismatch)
	}

	log := slog.With("type", act.Type, "activity", act.ID, "actor", actor.APID)

	switch act.Type {
	case "Follow":
		return h.handleFollow(payload, act, actor, log)
	case "Undo":
		return h.handleUndo(act, actor, log)
	case "Create":
		return h.handleCreate(act, actor, target, log)
	case "Like":
		return h.handleLike(act, actor)
	case "Announce":
		return h.handleAnnounce(act, actor)
	case "Update":
		return h.handleUpdate(ctx, act, actor)
	case "Delete":
		return h.handleDelete(act, actor, log)
	case "Accept":
		return h.resolveFollowState(act, true, log)
	case "Reject":
		return h.resolveFollowState(act, false, log)
	case "Flag":
		return h.handleFlag(act, actor)
	case "Move":
		return h.handleMove(ctx, act, actor, log)
	case "Block":
		log.Info("remote block received")
		return nil
	default:
		log.Debug("ignoring unhandled activity type")
		return nil
	}
}

// ─── Follow / Undo ────────────────────────────────────────────────────────────

func (h *Handler) handleFollow(payload []byte, act *IncomingActivity, actor *db.RemoteActor, log *slog.Logger) error {
	localURI := NarrowObject(act.Object).ID
	if !IsLocalURI(localURI, h.cfg.BaseURL) {
		log.Warn("follow of non-local object ignored", "object", localURI)
		return nil
	}

	err := h.db.AddFollower(localURI, actor.APID, actor.ID, act.ID)
	if err != nil && !errors.Is(err, db.ErrAlreadyExists) {
		return fmt.Errorf("record follower: %w", err)
	}
	log.Info("follower added", "local", localURI)

	// Accept echoes the original Follow back so the peer can match it.
	var original map[string]any
	if err := json.Unmarshal(payload, &original); err != nil {
		return fmt.Errorf("re-read follow: %w", err)
	}
	delete(original, "@context")

	accept := map[string]any{
		"@context": DefaultContext,
		"id":       NewActivityID(localURI, "Accept"),
		"type":     "Accept",
		"actor":    localURI,
		"object":   original,
		"to":       []string{actor.APID},
	}
	inbox := actor.BestInbox()
	h.tasks.Go("send_accept", func(context.Context) {
		if _, err := h.publisher.PublishTo(accept, localURI, []string{inbox}); err != nil {
			slog.Error("schedule accept failed", "follower", actor.APID, "error", err)
		}
	})
	return nil
}

func (h *Handler) handleUndo(act *IncomingActivity, actor *db.RemoteActor, log *slog.Logger) error {
	inner := NarrowObject(act.Object)
	switch inner.Type {
	case "Follow":
		localURI := inner.GetString("object")
		if localURI == "" {
			log.Warn("undo follow without object uri ignored")
			return nil
		}
		if err := h.db.RemoveFollower(localURI, actor.APID); err != nil {
			return fmt.Errorf("remove follower: %w", err)
		}
		log.Info("follower removed", "local", localURI)
		return nil
	case "Like":
		return h.db.DeleteArticleLike(inner.ID, actor.ID)
	case "Announce":
		return h.db.DeleteAnnounce(inner.ID, actor.ID)
	case "Block":
		log.Info("remote unblock received")
		return nil
	default:
		log.Debug("ignoring undo of unhandled type", "inner", inner.Type)
		return nil
	}
}

// ─── Create ───────────────────────────────────────────────────────────────────

func (h *Handler) handleCreate(act *IncomingActivity, actor *db.RemoteActor, target Target, log *slog.Logger) error {
	obj := NarrowObject(act.Object)
	if obj.Embedded == nil {
		log.Debug("create with bare object uri ignored")
		return nil
	}
	if attr := obj.AttributedTo(); attr != "" && attr != actor.APID {
		return fmt.Errorf("object attributed to %s: %w", attr, ErrAttributionMismatch)
	}
	if err := h.validator.CheckContentSize(obj.GetString("content")); err != nil {
		return err
	}

	switch obj.Type {
	case "Note":
		return h.createNote(act, obj, actor, log)
	case "Article", "Page":
		return h.createArticle(act, obj, actor, target, log)
	case "Question":
		// Polls have no local equivalent; they land as feed items for the
		// sender's followers.
		return h.createFeedItems(obj, actor, log)
	default:
		log.Debug("ignoring create of unhandled object type", "object", obj.Type)
		return nil
	}
}

func (h *Handler) createNote(act *IncomingActivity, obj ObjectRef, actor *db.RemoteActor, log *slog.Logger) error {
	body := h.contentWithWarning(obj)

	// A reply into a local thread becomes a comment.
	if inReplyTo := obj.GetString("inReplyTo"); inReplyTo != "" {
		if article, err := h.db.ArticleByAPID(inReplyTo); err == nil {
			err := h.db.CreateRemoteComment(obj.ID, article.ID, nil, actor.ID, body)
			if err != nil && !errors.Is(err, db.ErrAlreadyExists) {
				return fmt.Errorf("create comment: %w", err)
			}
			log.Info("remote comment created", "article", article.APID)
			return nil
		}
		if parent, err := h.db.CommentByAPID(inReplyTo); err == nil {
			err := h.db.CreateRemoteComment(obj.ID, parent.ArticleID, &parent.ID, actor.ID, body)
			if err != nil && !errors.Is(err, db.ErrAlreadyExists) {
				return fmt.Errorf("create threaded comment: %w", err)
			}
			log.Info("remote reply created", "parent", parent.APID)
			return nil
		}
	}

	// A note addressed only at a local user, with no public or followers
	// addressing, is a direct message.
	if user := h.privateRecipient(act, obj); user != nil {
		conversation := obj.GetString("conversation")
		if conversation == "" {
			conversation = obj.GetString("context")
		}
		err := h.db.CreateDM(obj.ID, user.ID, actor.ID, body, conversation)
		if err != nil && !errors.Is(err, db.ErrAlreadyExists) {
			return fmt.Errorf("create dm: %w", err)
		}
		log.Info("direct message stored", "user", user.Username)
		return nil
	}

	return h.createFeedItems(obj, actor, log)
}

func (h *Handler) createArticle(act *IncomingActivity, obj ObjectRef, actor *db.RemoteActor, target Target, log *slog.Logger) error {
	board := h.targetBoard(act, obj)
	if board == nil {
		// An article POSTed straight at a board inbox counts as targeted.
		board = target.Board
	}
	if board == nil {
		return h.createFeedItems(obj, actor, log)
	}

	if board.AcceptPolicy == "followers_only" {
		ok, err := h.db.AcceptedBoardFollowExists(board.ID, actor.ID)
		if err != nil {
			return err
		}
		if !ok {
			log.Info("article dropped by board accept policy", "board", board.Slug)
			return nil
		}
	}

	title := h.sanitizer.SanitizeDisplayName(obj.GetString("name"))
	body := h.contentWithWarning(obj)

	if existing, err := h.db.ArticleByAPID(obj.ID); err == nil {
		// Cross-post: the article already exists locally, just link the board.
		if err := h.db.LinkArticleBoard(existing.ID, board.ID); err != nil && !errors.Is(err, db.ErrAlreadyExists) {
			return fmt.Errorf("link cross-post: %w", err)
		}
		log.Info("article cross-posted", "board", board.Slug)
		return nil
	}

	err := h.db.CreateRemoteArticle(obj.ID, board.ID, actor.ID, title, body)
	if err != nil && !errors.Is(err, db.ErrAlreadyExists) {
		return fmt.Errorf("create article: %w", err)
	}
	log.Info("remote article created", "board", board.Slug)
	return nil
}

// createFeedItems stores the object once per local user following the sender.
func (h *Handler) createFeedItems(obj ObjectRef, actor *db.RemoteActor, log *slog.Logger) error {
	userIDs, err := h.db.UsersFollowingRemote(actor.ID)
	if err != nil {
		return err
	}
	if len(userIDs) == 0 {
		return nil
	}
	title := h.sanitizer.SanitizeDisplayName(obj.GetString("name"))
	body := h.contentWithWarning(obj)
	for _, userID := range userIDs {
		err := h.db.CreateFeedItem(obj.ID, userID, actor.ID, title, body)
		if err != nil && !errors.Is(err, db.ErrAlreadyExists) {
			return fmt.Errorf("create feed item: %w", err)
		}
	}
	log.Debug("feed items created", "users", len(userIDs))
	return nil
}

// contentWithWarning sanitizes object content, prepending the content
// warning when the object is marked sensitive.
func (h *Handler) contentWithWarning(obj ObjectRef) string {
	body := h.sanitizer.Sanitize(obj.GetString("content"))
	sensitive, _ := obj.Embedded["sensitive"].(bool)
	summary := obj.GetString("summary")
	if sensitive && summary != "" {
		body = "[CW: " + h.sanitizer.SanitizeDisplayName(summary) + "]\n\n" + body
	}
	return body
}

// privateRecipient returns the local user a DM-shaped note is addressed to,
// or nil when the note has public or followers addressing.
func (h *Handler) privateRecipient(act *IncomingActivity, obj ObjectRef) *db.User {
	recipients := append(act.To, act.CC...)
	recipients = append(recipients, obj.Recipients("to")...)
	recipients = append(recipients, obj.Recipients("cc")...)

	var local string
	for _, r := range recipients {
		if r == PublicURI || strings.HasSuffix(r, "/followers") {
			return nil
		}
		if strings.HasPrefix(r, h.cfg.BaseURL+"/ap/users/") {
			local = r
		}
	}
	if local == "" {
		return nil
	}
	username := strings.TrimPrefix(local, h.cfg.BaseURL+"/ap/users/")
	user, err := h.db.UserByUsername(username)
	if err != nil {
		return nil
	}
	return user
}

// targetBoard resolves the destination board from the inbox target or the
// audience, to and cc fields.
func (h *Handler) targetBoard(act *IncomingActivity, obj ObjectRef) *db.Board {
	if uris := h.boardURIs(act, obj); len(uris) > 0 {
		for _, uri := range uris {
			slug := strings.TrimPrefix(uri, h.cfg.BaseURL+"/ap/boards/")
			if board, err := h.db.BoardBySlug(slug); err == nil {
				return board
			}
		}
	}
	return nil
}

func (h *Handler) boardURIs(act *IncomingActivity, obj ObjectRef) []string {
	prefix := h.cfg.BaseURL + "/ap/boards/"
	var out []string
	collect := func(uris []string) {
		for _, u := range uris {
			if strings.HasPrefix(u, prefix) {
				out = append(out, u)
			}
		}
	}
	collect(act.Audience)
	collect(act.To)
	collect(act.CC)
	collect(obj.Recipients("audience"))
	collect(obj.Recipients("to"))
	collect(obj.Recipients("cc"))
	return out
}

// ─── Like / Announce ──────────────────────────────────────────────────────────

func (h *Handler) handleLike(act *IncomingActivity, actor *db.RemoteActor) error {
	objectURI := NarrowObject(act.Object).ID
	article, err := h.db.ArticleByAPID(objectURI)
	if err != nil {
		// Likes of things this instance never stored are fine to drop.
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	}
	err = h.db.CreateArticleLike(act.ID, article.ID, actor.ID)
	if err != nil && !errors.Is(err, db.ErrAlreadyExists) {
		return fmt.Errorf("create like: %w", err)
	}
	return nil
}

func (h *Handler) handleAnnounce(act *IncomingActivity, actor *db.RemoteActor) error {
	// Lemmy embeds the announced activity as a map; NarrowObject pulls the
	// inner id out of either form.
	objectURI := NarrowObject(act.Object).ID
	if objectURI == "" {
		return nil
	}
	var articleID *int64
	if article, err := h.db.ArticleByAPID(objectURI); err == nil {
		articleID = &article.ID
	}
	err := h.db.CreateAnnounce(act.ID, objectURI, articleID, actor.ID)
	if err != nil && !errors.Is(err, db.ErrAlreadyExists) {
		return fmt.Errorf("create announce: %w", err)
	}
	return nil
}

// ─── Update / Delete ──────────────────────────────────────────────────────────

func (h *Handler) handleUpdate(ctx context.Context, act *IncomingActivity, actor *db.RemoteActor) error {
	obj := NarrowObject(act.Object)
	switch obj.Type {
	case "Note":
		if err := h.validator.CheckContentSize(obj.GetString("content")); err != nil {
			return err
		}
		err := h.db.UpdateCommentBody(obj.ID, actor.ID, h.contentWithWarning(obj))
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	case "Article", "Page":
		if err := h.validator.CheckContentSize(obj.GetString("content")); err != nil {
			return err
		}
		title := h.sanitizer.SanitizeDisplayName(obj.GetString("name"))
		err := h.db.UpdateArticleBody(obj.ID, actor.ID, title, h.contentWithWarning(obj))
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	default:
		// Person, Group, Service and friends: refresh the cached profile.
		if _, err := h.resolver.Refresh(ctx, actor.APID); err != nil {
			slog.Warn("actor refresh after update failed",
				"actor", actor.APID, "error", err)
		}
		return nil
	}
}

func (h *Handler) handleDelete(act *IncomingActivity, actor *db.RemoteActor, log *slog.Logger) error {
	obj := NarrowObject(act.Object)
	objectURI := obj.ID
	if objectURI == "" {
		return nil
	}

	if objectURI == actor.APID {
		// The actor deleted itself: drop its follows and tombstone its
		// content everywhere.
		if err := h.db.RemoveFollowersOf(actor.APID); err != nil {
			return err
		}
		if err := h.db.SoftDeleteContentByRemoteActor(actor.ID); err != nil {
			return err
		}
		log.Info("remote actor self-deleted")
		return nil
	}

	for _, del := range []func(string, int64) error{
		h.db.SoftDeleteArticle,
		h.db.SoftDeleteComment,
		h.db.SoftDeleteDM,
	} {
		err := del(objectURI, actor.ID)
		if err == nil {
			log.Info("remote object deleted", "object", objectURI)
			return nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return err
		}
	}
	return nil
}

// ─── Accept / Reject ──────────────────────────────────────────────────────────

// resolveFollowState matches an Accept or Reject against an outgoing follow
// by the embedded Follow's id, trying user follows then board follows.
func (h *Handler) resolveFollowState(act *IncomingActivity, accepted bool, log *slog.Logger) error {
	inner := NarrowObject(act.Object)
	if inner.Type != "" && inner.Type != "Follow" {
		log.Debug("ignoring response to unhandled type", "inner", inner.Type)
		return nil
	}
	followID := inner.ID
	if followID == "" {
		return nil
	}

	err := h.db.ResolveUserFollow(followID, accepted)
	if errors.Is(err, db.ErrNotFound) {
		err = h.db.ResolveBoardFollow(followID, accepted)
	}
	if errors.Is(err, db.ErrNotFound) {
		log.Debug("follow response without matching follow", "follow", followID)
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("outgoing follow resolved", "follow", followID, "accepted", accepted)
	return nil
}

// ─── Flag / Move ──────────────────────────────────────────────────────────────

func (h *Handler) handleFlag(act *IncomingActivity, actor *db.RemoteActor) error {
	var articleID, commentID *int64
	for _, uri := range flagObjectURIs(act.Object) {
		if article, err := h.db.ArticleByAPID(uri); err == nil {
			articleID = &article.ID
			continue
		}
		if comment, err := h.db.CommentByAPID(uri); err == nil {
			commentID = &comment.ID
		}
	}
	reason := h.sanitizer.SanitizeDisplayName(act.Content)
	if err := h.db.CreateReport(actor.ID, articleID, commentID, reason); err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	return nil
}

// flagObjectURIs collects every URI in a Flag's object field, which may be a
// string, an object, or a mixed array.
func flagObjectURIs(raw json.RawMessage) []string {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		var out []string
		for _, el := range arr {
			if ref := NarrowObject(el); ref.ID != "" {
				out = append(out, ref.ID)
			}
		}
		return out
	}
	if ref := NarrowObject(raw); ref.ID != "" {
		return []string{ref.ID}
	}
	return nil
}

func (h *Handler) handleMove(ctx context.Context, act *IncomingActivity, actor *db.RemoteActor, log *slog.Logger) error {
	newURI := NarrowObject(act.Target).ID
	if newURI == "" {
		return nil
	}
	if h.policy.Blocked(DomainOf(newURI)) {
		log.Warn("move to blocked domain aborted", "target", newURI)
		return nil
	}
	newActor, err := h.resolver.Resolve(ctx, newURI)
	if err != nil {
		return fmt.Errorf("resolve move target %s: %w", newURI, err)
	}
	moved, err := h.db.MigrateFollowers(actor.APID, newActor.APID, newActor.ID)
	if err != nil {
		return fmt.Errorf("migrate followers: %w", err)
	}
	log.Info("followers migrated", "target", newActor.APID, "moved", moved)
	return nil
}
