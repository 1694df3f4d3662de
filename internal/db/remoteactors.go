package db

import (
	"database/sql"
	"errors"
	"time"
)

// RemoteActor is a cached profile of an actor on another instance.
type RemoteActor struct {
	ID           int64
	APID         string
	Username     string
	Domain       string
	DisplayName  string
	AvatarURL    string
	Summary      string
	PublicKeyPEM string
	Inbox        string
	SharedInbox  string
	ActorType    string
	FetchedAt    time.Time
}

// BestInbox returns the shared inbox when the actor advertises one,
// otherwise the personal inbox.
func (a *RemoteActor) BestInbox() string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.Inbox
}

const remoteActorCols = `id, ap_id, username, domain, display_name, avatar_url,
	summary, public_key_pem, inbox, shared_inbox, actor_type, fetched_at`

func scanRemoteActor(row interface{ Scan(...any) error }) (*RemoteActor, error) {
	var a RemoteActor
	var fetched int64
	err := row.Scan(&a.ID, &a.APID, &a.Username, &a.Domain, &a.DisplayName,
		&a.AvatarURL, &a.Summary, &a.PublicKeyPEM, &a.Inbox, &a.SharedInbox,
		&a.ActorType, &fetched)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.FetchedAt = time.Unix(fetched, 0).UTC()
	return &a, nil
}

// RemoteActorByAPID returns the cached remote actor for an AP id.
func (s *Store) RemoteActorByAPID(apID string) (*RemoteActor, error) {
	row := s.db.QueryRow(s.rebind(
		`SELECT `+remoteActorCols+` FROM remote_actors WHERE ap_id = ?`), apID)
	return scanRemoteActor(row)
}

// UpsertRemoteActor inserts or refreshes a remote actor by ap_id and returns
// the stored row. fetched_at is set to now.
func (s *Store) UpsertRemoteActor(a *RemoteActor) (*RemoteActor, error) {
	now := nowUnix()
	q := `INSERT INTO remote_actors
		(ap_id, username, domain, display_name, avatar_url, summary,
		 public_key_pem, inbox, shared_inbox, actor_type, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET
			username = excluded.username,
			domain = excluded.domain,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			summary = excluded.summary,
			public_key_pem = excluded.public_key_pem,
			inbox = excluded.inbox,
			shared_inbox = excluded.shared_inbox,
			actor_type = excluded.actor_type,
			fetched_at = excluded.fetched_at`
	_, err := s.db.Exec(s.rebind(q),
		a.APID, a.Username, a.Domain, a.DisplayName, a.AvatarURL, a.Summary,
		a.PublicKeyPEM, a.Inbox, a.SharedInbox, a.ActorType, now)
	if err != nil {
		return nil, err
	}
	return s.RemoteActorByAPID(a.APID)
}

// StaleRemoteActors returns up to limit actors whose fetched_at is older than
// cutoff, oldest first.
func (s *Store) StaleRemoteActors(cutoff time.Time, limit int) ([]*RemoteActor, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT `+remoteActorCols+` FROM remote_actors
		 WHERE fetched_at < ? ORDER BY fetched_at ASC LIMIT ?`),
		cutoff.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RemoteActor
	for rows.Next() {
		a, err := scanRemoteActor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteRemoteActor removes a remote actor row.
func (s *Store) DeleteRemoteActor(id int64) error {
	_, err := s.db.Exec(s.rebind(`DELETE FROM remote_actors WHERE id = ?`), id)
	return err
}

// RemoteActorReferenced reports whether any local record still points at the
// remote actor: followers, articles, comments, likes, announces or reports.
func (s *Store) RemoteActorReferenced(id int64) (bool, error) {
	const q = `SELECT
		EXISTS(SELECT 1 FROM followers WHERE remote_actor_id = ?) OR
		EXISTS(SELECT 1 FROM user_follows WHERE remote_actor_id = ?) OR
		EXISTS(SELECT 1 FROM board_follows WHERE remote_actor_id = ?) OR
		EXISTS(SELECT 1 FROM articles WHERE remote_actor_id = ?) OR
		EXISTS(SELECT 1 FROM comments WHERE remote_actor_id = ?) OR
		EXISTS(SELECT 1 FROM article_likes WHERE remote_actor_id = ?) OR
		EXISTS(SELECT 1 FROM announces WHERE remote_actor_id = ?) OR
		EXISTS(SELECT 1 FROM reports WHERE remote_actor_id = ?)`
	var ref bool
	err := s.db.QueryRow(s.rebind(q), id, id, id, id, id, id, id, id).Scan(&ref)
	return ref, err
}
