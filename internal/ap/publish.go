package ap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/driftboard/driftboard/internal/config"
	"github.com/driftboard/driftboard/internal/db"
)

// maxSummaryLen caps article summaries in outbound objects.
const maxSummaryLen = 501

// Enqueuer is the slice of the delivery queue the publisher needs.
type Enqueuer interface {
	Enqueue(activityJSON, actorURI string, inboxes []string) (int, error)
	EnqueueForFollowers(activityJSON, actorURI string) (int, error)
	EnqueueForArticle(activityJSON, actorURI string, articleID int64) (int, error)
}

// Publisher builds outbound ActivityStreams objects for local entities and
// hands them to the delivery queue. Builders are pure; only the Publish
// helpers touch the queue.
type Publisher struct {
	cfg   *config.Config
	queue Enqueuer
}

func NewPublisher(cfg *config.Config, queue Enqueuer) *Publisher {
	return &Publisher{cfg: cfg, queue: queue}
}

// NewActivityID mints an activity id anchored on the actor URI.
func NewActivityID(actorURI, verb string) string {
	return fmt.Sprintf("%s#%s-%s", actorURI, strings.ToLower(verb), uuid.NewString())
}

// envelope is the common public activity wrapper: addressed to the public
// collection with the actor's followers cc'd.
func envelope(actorURI, typ string, object any) map[string]any {
	return map[string]any{
		"@context": DefaultContext,
		"id":       NewActivityID(actorURI, typ),
		"type":     typ,
		"actor":    actorURI,
		"object":   object,
		"to":       []string{PublicURI},
		"cc":       []string{actorURI + "/followers"},
	}
}

// ─── Builders ─────────────────────────────────────────────────────────────────

// BuildCreateArticle wraps an article object in a Create. boardURIs are the
// actor URIs of the public boards the article is cross-posted to; they join
// the cc list so board followers see the attribution.
func (p *Publisher) BuildCreateArticle(actorURI string, article *db.Article, boardURIs []string) map[string]any {
	obj := p.articleObject(actorURI, article, boardURIs)
	act := envelope(actorURI, "Create", obj)
	act["cc"] = append(act["cc"].([]string), boardURIs...)
	return act
}

// BuildUpdateArticle wraps the refreshed article object in an Update.
func (p *Publisher) BuildUpdateArticle(actorURI string, article *db.Article, boardURIs []string) map[string]any {
	obj := p.articleObject(actorURI, article, boardURIs)
	act := envelope(actorURI, "Update", obj)
	act["cc"] = append(act["cc"].([]string), boardURIs...)
	return act
}

func (p *Publisher) articleObject(actorURI string, article *db.Article, boardURIs []string) map[string]any {
	tags := make([]map[string]any, 0)
	for _, tag := range ExtractHashtags(article.Body) {
		tags = append(tags, map[string]any{
			"type": "Hashtag",
			"href": p.cfg.AbsoluteURL("/tags/" + tag),
			"name": "#" + tag,
		})
	}
	cc := append([]string{actorURI + "/followers"}, boardURIs...)
	return map[string]any{
		"id":           article.APID,
		"type":         "Article",
		"attributedTo": actorURI,
		"name":         article.Title,
		"content":      article.Body,
		"summary":      TruncateSummary(article.Body),
		"tag":          tags,
		"to":           []string{PublicURI},
		"cc":           cc,
	}
}

// BuildCreateNote wraps a comment in a Create(Note), threaded via inReplyTo.
func (p *Publisher) BuildCreateNote(actorURI, noteID, content, inReplyTo string) map[string]any {
	obj := map[string]any{
		"id":           noteID,
		"type":         "Note",
		"attributedTo": actorURI,
		"content":      content,
		"to":           []string{PublicURI},
		"cc":           []string{actorURI + "/followers"},
	}
	if inReplyTo != "" {
		obj["inReplyTo"] = inReplyTo
	}
	return envelope(actorURI, "Create", obj)
}

// BuildCreateQuestion wraps a poll in a Create(Question). oneOf and anyOf are
// mutually exclusive; pass the option names in whichever applies.
func (p *Publisher) BuildCreateQuestion(actorURI, questionID, content string, options []string, multiple bool, endTime string) map[string]any {
	opts := make([]map[string]any, 0, len(options))
	for _, name := range options {
		opts = append(opts, map[string]any{
			"type": "Note",
			"name": name,
			"replies": map[string]any{
				"type":       "Collection",
				"totalItems": 0,
			},
		})
	}
	obj := map[string]any{
		"id":           questionID,
		"type":         "Question",
		"attributedTo": actorURI,
		"content":      content,
		"to":           []string{PublicURI},
		"cc":           []string{actorURI + "/followers"},
	}
	if multiple {
		obj["anyOf"] = opts
	} else {
		obj["oneOf"] = opts
	}
	if endTime != "" {
		obj["endTime"] = endTime
	}
	return envelope(actorURI, "Create", obj)
}

// BuildUpdateActor wraps an actor document in an Update, used after profile
// edits and key rotation.
func (p *Publisher) BuildUpdateActor(actorURI string, actorDoc *Actor) map[string]any {
	return envelope(actorURI, "Update", actorDoc)
}

// BuildDelete emits a Tombstone for a removed object. formerType tells peers
// what used to live at the id.
func (p *Publisher) BuildDelete(actorURI, objectURI, formerType string) map[string]any {
	return envelope(actorURI, "Delete", map[string]any{
		"id":         objectURI,
		"type":       "Tombstone",
		"formerType": formerType,
	})
}

// BuildAnnounce is the board actor boosting an article URI.
func (p *Publisher) BuildAnnounce(boardActorURI, articleURI string) map[string]any {
	return envelope(boardActorURI, "Announce", articleURI)
}

// BuildFollow asks a remote actor for a follow. The returned activity's id
// must be persisted so the eventual Accept or Reject can be matched.
func (p *Publisher) BuildFollow(actorURI, targetURI string) map[string]any {
	return map[string]any{
		"@context": DefaultContext,
		"id":       NewActivityID(actorURI, "Follow"),
		"type":     "Follow",
		"actor":    actorURI,
		"object":   targetURI,
		"to":       []string{targetURI},
	}
}

// BuildUndo reverses a previously sent activity. inner is the original
// activity, embedded whole so the peer can match it.
func (p *Publisher) BuildUndo(actorURI string, inner map[string]any) map[string]any {
	// The embedded copy drops its own @context.
	innerCopy := make(map[string]any, len(inner))
	for k, v := range inner {
		if k == "@context" {
			continue
		}
		innerCopy[k] = v
	}
	act := envelope(actorURI, "Undo", innerCopy)
	if to, ok := inner["to"]; ok {
		act["to"] = to
		delete(act, "cc")
	}
	return act
}

// BuildBlock tells a peer the local actor blocks the target.
func (p *Publisher) BuildBlock(actorURI, targetURI string) map[string]any {
	return map[string]any{
		"@context": DefaultContext,
		"id":       NewActivityID(actorURI, "Block"),
		"type":     "Block",
		"actor":    actorURI,
		"object":   targetURI,
		"to":       []string{targetURI},
	}
}

// BuildFlag reports remote content to its origin instance. The reporter is
// always the site actor so individual moderators stay anonymous.
func (p *Publisher) BuildFlag(objectURIs []string, reason string) map[string]any {
	site := p.cfg.SiteActorURI()
	return map[string]any{
		"@context": DefaultContext,
		"id":       NewActivityID(site, "Flag"),
		"type":     "Flag",
		"actor":    site,
		"object":   objectURIs,
		"content":  reason,
	}
}

// BuildDMNote wraps a direct message in a Create(Note) with restricted
// addressing: the recipient only, a Mention tag, and a conversation anchor.
func (p *Publisher) BuildDMNote(actorURI, recipientURI, noteID, content, conversation string) map[string]any {
	obj := map[string]any{
		"id":           noteID,
		"type":         "Note",
		"attributedTo": actorURI,
		"content":      content,
		"to":           []string{recipientURI},
		"tag": []map[string]any{{
			"type": "Mention",
			"href": recipientURI,
		}},
	}
	if conversation != "" {
		obj["context"] = conversation
		obj["conversation"] = conversation
	}
	return map[string]any{
		"@context": DefaultContext,
		"id":       NewActivityID(actorURI, "Create"),
		"type":     "Create",
		"actor":    actorURI,
		"object":   obj,
		"to":       []string{recipientURI},
	}
}

// ─── Publish helpers ──────────────────────────────────────────────────────────

// PublishToFollowers serializes an activity and fans it out to the actor's
// followers.
func (p *Publisher) PublishToFollowers(activity map[string]any, actorURI string) (int, error) {
	data, err := json.Marshal(activity)
	if err != nil {
		return 0, fmt.Errorf("marshal activity: %w", err)
	}
	return p.queue.EnqueueForFollowers(string(data), actorURI)
}

// PublishForArticle fans an article activity out to author and public-board
// followers.
func (p *Publisher) PublishForArticle(activity map[string]any, actorURI string, articleID int64) (int, error) {
	data, err := json.Marshal(activity)
	if err != nil {
		return 0, fmt.Errorf("marshal activity: %w", err)
	}
	return p.queue.EnqueueForArticle(string(data), actorURI, articleID)
}

// PublishTo serializes an activity for an explicit inbox list.
func (p *Publisher) PublishTo(activity map[string]any, actorURI string, inboxes []string) (int, error) {
	data, err := json.Marshal(activity)
	if err != nil {
		return 0, fmt.Errorf("marshal activity: %w", err)
	}
	return p.queue.Enqueue(string(data), actorURI, inboxes)
}

// PublishKeyRotation pushes an Update(actor) carrying the new public key to
// the subject's followers, so peers refresh their cached key promptly.
func (p *Publisher) PublishKeyRotation(actorDoc *Actor) (int, error) {
	n, err := p.PublishToFollowers(p.BuildUpdateActor(actorDoc.ID, actorDoc), actorDoc.ID)
	if err != nil {
		return 0, err
	}
	slog.Info("published key rotation", "actor", actorDoc.ID, "deliveries", n)
	return n, nil
}

// ─── Text helpers ─────────────────────────────────────────────────────────────

// TruncateSummary caps a summary at 501 characters, appending an ellipsis
// when the body was longer.
func TruncateSummary(body string) string {
	runes := []rune(body)
	if len(runes) <= maxSummaryLen {
		return body
	}
	return string(runes[:maxSummaryLen-1]) + "…"
}

var hashtagPattern = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}_]+)`)

// ExtractHashtags pulls #tags from a body, skipping fenced code blocks and
// inline code spans. Tags are lowercased and deduplicated, in order of first
// appearance.
func ExtractHashtags(body string) []string {
	var tags []string
	seen := make(map[string]struct{})

	inFence := false
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		stripped := stripInlineCode(line)
		for _, m := range hashtagPattern.FindAllStringSubmatch(stripped, -1) {
			tag := strings.ToLower(m[1])
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	return tags
}

// stripInlineCode blanks out `code` spans so their contents cannot produce
// tags. Unbalanced backticks leave the rest of the line intact.
func stripInlineCode(line string) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(line, '`')
		if open < 0 {
			b.WriteString(line)
			return b.String()
		}
		end := strings.IndexByte(line[open+1:], '`')
		if end < 0 {
			b.WriteString(line)
			return b.String()
		}
		b.WriteString(line[:open])
		b.WriteString(" ")
		line = line[open+1+end+1:]
	}
}
