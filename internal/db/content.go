package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// The content model proper (rendering, voting, moderation workflow) belongs to
// the main application; the federation core only touches the columns it needs
// for dedup, authorization and side effects.

// User is a local account, reduced to what federation needs.
type User struct {
	ID                    int64
	Username              string
	APPublicKey           string
	APPrivateKeyEncrypted string
}

// Board is a local board, reduced to what federation needs.
type Board struct {
	ID                    int64
	Slug                  string
	Title                 string
	Visibility            string // public | private
	AcceptPolicy          string // open | followers_only
	APPublicKey           string
	APPrivateKeyEncrypted string
}

// Article is a local or federated article, reduced to what federation needs.
type Article struct {
	ID            int64
	APID          string
	UserID        *int64
	BoardID       *int64
	RemoteActorID *int64
	Title         string
	Body          string
	Deleted       bool
}

// Comment is a local or federated comment.
type Comment struct {
	ID            int64
	APID          string
	ArticleID     int64
	ParentID      *int64
	RemoteActorID *int64
	Body          string
	Deleted       bool
}

// ─── Users / boards ───────────────────────────────────────────────────────────

// UserByUsername returns a local user.
func (s *Store) UserByUsername(username string) (*User, error) {
	var u User
	var pub, priv sql.NullString
	err := s.db.QueryRow(s.rebind(
		`SELECT id, username, ap_public_key, ap_private_key_encrypted
		 FROM users WHERE username = ?`), username).
		Scan(&u.ID, &u.Username, &pub, &priv)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.APPublicKey, u.APPrivateKeyEncrypted = pub.String, priv.String
	return &u, nil
}

// BoardBySlug returns a local board.
func (s *Store) BoardBySlug(slug string) (*Board, error) {
	var b Board
	var pub, priv sql.NullString
	err := s.db.QueryRow(s.rebind(
		`SELECT id, slug, title, visibility, accept_policy, ap_public_key, ap_private_key_encrypted
		 FROM boards WHERE slug = ?`), slug).
		Scan(&b.ID, &b.Slug, &b.Title, &b.Visibility, &b.AcceptPolicy, &pub, &priv)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.APPublicKey, b.APPrivateKeyEncrypted = pub.String, priv.String
	return &b, nil
}

// SetUserKeys stores a user's federation keypair.
func (s *Store) SetUserKeys(userID int64, publicPEM, privateEncrypted string) error {
	_, err := s.db.Exec(s.rebind(
		`UPDATE users SET ap_public_key = ?, ap_private_key_encrypted = ? WHERE id = ?`),
		publicPEM, privateEncrypted, userID)
	return err
}

// SetBoardKeys stores a board's federation keypair.
func (s *Store) SetBoardKeys(boardID int64, publicPEM, privateEncrypted string) error {
	_, err := s.db.Exec(s.rebind(
		`UPDATE boards SET ap_public_key = ?, ap_private_key_encrypted = ? WHERE id = ?`),
		publicPEM, privateEncrypted, boardID)
	return err
}

// CreateUser inserts a local user. Exists for tests and bootstrap tooling;
// account management lives in the main application.
func (s *Store) CreateUser(username string) (int64, error) {
	var id int64
	err := s.db.QueryRow(s.rebind(
		`INSERT INTO users (username) VALUES (?) RETURNING id`), username).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// CreateBoard inserts a local board.
func (s *Store) CreateBoard(slug, title, visibility, acceptPolicy string) (int64, error) {
	var id int64
	err := s.db.QueryRow(s.rebind(
		`INSERT INTO boards (slug, title, visibility, accept_policy) VALUES (?, ?, ?, ?) RETURNING id`),
		slug, title, visibility, acceptPolicy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create board: %w", err)
	}
	return id, nil
}

// ─── Articles ─────────────────────────────────────────────────────────────────

func scanArticle(row interface{ Scan(...any) error }) (*Article, error) {
	var a Article
	var userID, boardID, remoteID, deleted sql.NullInt64
	err := row.Scan(&a.ID, &a.APID, &userID, &boardID, &remoteID, &a.Title, &a.Body, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		a.UserID = &userID.Int64
	}
	if boardID.Valid {
		a.BoardID = &boardID.Int64
	}
	if remoteID.Valid {
		a.RemoteActorID = &remoteID.Int64
	}
	a.Deleted = deleted.Valid
	return &a, nil
}

// ArticleByAPID looks an article up by its AP id (works for both local URIs
// and federated ids).
func (s *Store) ArticleByAPID(apID string) (*Article, error) {
	row := s.db.QueryRow(s.rebind(
		`SELECT id, ap_id, user_id, board_id, remote_actor_id, title, body, deleted_at
		 FROM articles WHERE ap_id = ?`), apID)
	return scanArticle(row)
}

// CreateRemoteArticle stores a federated article addressed to a board.
// Returns ErrAlreadyExists when the ap_id is already known.
func (s *Store) CreateRemoteArticle(apID string, boardID, remoteActorID int64, title, body string) error {
	return s.execInsertIgnore(
		`INSERT INTO articles (ap_id, board_id, remote_actor_id, title, body)
		 VALUES (?, ?, ?, ?, ?)`,
		apID, boardID, remoteActorID, title, body)
}

// LinkArticleBoard cross-posts an existing article into another board.
func (s *Store) LinkArticleBoard(articleID, boardID int64) error {
	err := s.execInsertIgnore(
		`INSERT INTO article_boards (article_id, board_id) VALUES (?, ?)`,
		articleID, boardID)
	if errors.Is(err, ErrAlreadyExists) {
		return nil
	}
	return err
}

// UpdateArticleBody updates title and body of an article owned by the remote
// actor. Returns ErrNotFound when the article is not theirs.
func (s *Store) UpdateArticleBody(apID string, remoteActorID int64, title, body string) error {
	res, err := s.db.Exec(s.rebind(
		`UPDATE articles SET title = ?, body = ?
		 WHERE ap_id = ? AND remote_actor_id = ? AND deleted_at IS NULL`),
		title, body, apID, remoteActorID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteArticle tombstones an article owned by the remote actor.
func (s *Store) SoftDeleteArticle(apID string, remoteActorID int64) error {
	res, err := s.db.Exec(s.rebind(
		`UPDATE articles SET deleted_at = ? WHERE ap_id = ? AND remote_actor_id = ?`),
		nowUnix(), apID, remoteActorID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ─── Comments ─────────────────────────────────────────────────────────────────

// CommentByAPID looks a comment up by AP id.
func (s *Store) CommentByAPID(apID string) (*Comment, error) {
	var c Comment
	var parentID, remoteID, deleted sql.NullInt64
	err := s.db.QueryRow(s.rebind(
		`SELECT id, ap_id, article_id, parent_id, remote_actor_id, body, deleted_at
		 FROM comments WHERE ap_id = ?`), apID).
		Scan(&c.ID, &c.APID, &c.ArticleID, &parentID, &remoteID, &c.Body, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		c.ParentID = &parentID.Int64
	}
	if remoteID.Valid {
		c.RemoteActorID = &remoteID.Int64
	}
	c.Deleted = deleted.Valid
	return &c, nil
}

// CreateRemoteComment stores a federated comment, threaded under parentID
// when non-nil. Returns ErrAlreadyExists when the ap_id is already known.
func (s *Store) CreateRemoteComment(apID string, articleID int64, parentID *int64, remoteActorID int64, body string) error {
	return s.execInsertIgnore(
		`INSERT INTO comments (ap_id, article_id, parent_id, remote_actor_id, body)
		 VALUES (?, ?, ?, ?, ?)`,
		apID, articleID, nullInt(parentID), remoteActorID, body)
}

// UpdateCommentBody updates a comment owned by the remote actor.
func (s *Store) UpdateCommentBody(apID string, remoteActorID int64, body string) error {
	res, err := s.db.Exec(s.rebind(
		`UPDATE comments SET body = ?
		 WHERE ap_id = ? AND remote_actor_id = ? AND deleted_at IS NULL`),
		body, apID, remoteActorID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteComment tombstones a comment owned by the remote actor.
func (s *Store) SoftDeleteComment(apID string, remoteActorID int64) error {
	res, err := s.db.Exec(s.rebind(
		`UPDATE comments SET deleted_at = ? WHERE ap_id = ? AND remote_actor_id = ?`),
		nowUnix(), apID, remoteActorID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ─── Likes / announces / feed items ───────────────────────────────────────────

// CreateArticleLike stores a Like keyed by the activity's AP id.
func (s *Store) CreateArticleLike(apID string, articleID, remoteActorID int64) error {
	return s.execInsertIgnore(
		`INSERT INTO article_likes (ap_id, article_id, remote_actor_id) VALUES (?, ?, ?)`,
		apID, articleID, remoteActorID)
}

// DeleteArticleLike removes a Like by AP id, only when owned by the remote actor.
func (s *Store) DeleteArticleLike(apID string, remoteActorID int64) error {
	_, err := s.db.Exec(s.rebind(
		`DELETE FROM article_likes WHERE ap_id = ? AND remote_actor_id = ?`),
		apID, remoteActorID)
	return err
}

// CreateAnnounce stores an Announce (boost) keyed by the activity's AP id.
func (s *Store) CreateAnnounce(apID, objectURI string, articleID *int64, remoteActorID int64) error {
	return s.execInsertIgnore(
		`INSERT INTO announces (ap_id, object_uri, article_id, remote_actor_id) VALUES (?, ?, ?, ?)`,
		apID, objectURI, nullInt(articleID), remoteActorID)
}

// DeleteAnnounce removes an Announce by AP id, only when owned by the remote actor.
func (s *Store) DeleteAnnounce(apID string, remoteActorID int64) error {
	_, err := s.db.Exec(s.rebind(
		`DELETE FROM announces WHERE ap_id = ? AND remote_actor_id = ?`),
		apID, remoteActorID)
	return err
}

// CreateFeedItem records a federated post in a local user's feed.
func (s *Store) CreateFeedItem(apID string, userID, remoteActorID int64, title, body string) error {
	return s.execInsertIgnore(
		`INSERT INTO feed_items (ap_id, user_id, remote_actor_id, title, body)
		 VALUES (?, ?, ?, ?, ?)`,
		apID, userID, remoteActorID, title, body)
}

// ─── Direct messages / reports ────────────────────────────────────────────────

// CreateDM stores a federated direct message for a local user.
func (s *Store) CreateDM(apID string, userID, remoteActorID int64, body, conversation string) error {
	return s.execInsertIgnore(
		`INSERT INTO direct_messages (ap_id, user_id, remote_actor_id, body, conversation)
		 VALUES (?, ?, ?, ?, ?)`,
		apID, userID, remoteActorID, body, conversation)
}

// DMByAPID looks a direct message up by AP id, returning its owner ids.
func (s *Store) DMByAPID(apID string) (id int64, remoteActorID int64, err error) {
	err = s.db.QueryRow(s.rebind(
		`SELECT id, remote_actor_id FROM direct_messages WHERE ap_id = ? AND deleted_at IS NULL`),
		apID).Scan(&id, &remoteActorID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	return id, remoteActorID, err
}

// SoftDeleteDM tombstones a direct message owned by the remote actor.
func (s *Store) SoftDeleteDM(apID string, remoteActorID int64) error {
	_, err := s.db.Exec(s.rebind(
		`UPDATE direct_messages SET deleted_at = ? WHERE ap_id = ? AND remote_actor_id = ?`),
		nowUnix(), apID, remoteActorID)
	return err
}

// CreateReport stores a moderation report from a Flag activity.
func (s *Store) CreateReport(remoteActorID int64, articleID, commentID *int64, content string) error {
	_, err := s.db.Exec(s.rebind(
		`INSERT INTO reports (remote_actor_id, article_id, comment_id, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`),
		remoteActorID, nullInt(articleID), nullInt(commentID), content, nowUnix())
	return err
}

// SoftDeleteContentByRemoteActor tombstones everything a remote actor
// authored. Used when the actor itself is deleted.
func (s *Store) SoftDeleteContentByRemoteActor(remoteActorID int64) error {
	now := nowUnix()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"articles", "comments", "direct_messages"} {
		if _, err := tx.Exec(s.rebind(
			`UPDATE `+table+` SET deleted_at = ? WHERE remote_actor_id = ? AND deleted_at IS NULL`),
			now, remoteActorID); err != nil {
			return fmt.Errorf("soft delete %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// PublicBoardIDsForArticle returns the board ids an article is visible in
// (primary board plus cross-post links), restricted to public boards.
func (s *Store) PublicBoardIDsForArticle(articleID int64) ([]int64, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT b.id FROM boards b
		 WHERE b.visibility = 'public' AND (
			b.id IN (SELECT board_id FROM articles WHERE id = ? AND board_id IS NOT NULL)
			OR b.id IN (SELECT board_id FROM article_boards WHERE article_id = ?))`),
		articleID, articleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// BoardByID returns a board by row id.
func (s *Store) BoardByID(id int64) (*Board, error) {
	var b Board
	var pub, priv sql.NullString
	err := s.db.QueryRow(s.rebind(
		`SELECT id, slug, title, visibility, accept_policy, ap_public_key, ap_private_key_encrypted
		 FROM boards WHERE id = ?`), id).
		Scan(&b.ID, &b.Slug, &b.Title, &b.Visibility, &b.AcceptPolicy, &pub, &priv)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.APPublicKey, b.APPrivateKeyEncrypted = pub.String, priv.String
	return &b, nil
}
