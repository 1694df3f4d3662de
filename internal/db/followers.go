package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// Follower is a remote actor following a local actor URI.
type Follower struct {
	ID            int64
	ActorURI      string
	FollowerURI   string
	RemoteActorID int64
	ActivityID    string
}

// AddFollower records a remote follower of a local actor. activityID is the
// AP id of the original Follow, kept so a later Undo can be matched.
// Returns ErrAlreadyExists when the pair is already recorded.
func (s *Store) AddFollower(actorURI, followerURI string, remoteActorID int64, activityID string) error {
	return s.execInsertIgnore(
		`INSERT INTO followers (actor_uri, follower_uri, remote_actor_id, activity_id, accepted_at)
		 VALUES (?, ?, ?, ?, ?)`,
		actorURI, followerURI, remoteActorID, activityID, nowUnix())
}

// RemoveFollower deletes a follower row keyed by (actor_uri, follower_uri).
func (s *Store) RemoveFollower(actorURI, followerURI string) error {
	_, err := s.db.Exec(s.rebind(
		`DELETE FROM followers WHERE actor_uri = ? AND follower_uri = ?`),
		actorURI, followerURI)
	return err
}

// RemoveFollowersOf deletes every follower row belonging to a remote actor,
// across all local actors. Used when the remote actor is deleted.
func (s *Store) RemoveFollowersOf(followerURI string) error {
	_, err := s.db.Exec(s.rebind(
		`DELETE FROM followers WHERE follower_uri = ?`), followerURI)
	return err
}

// FollowerInbox pairs a follower with its delivery inboxes.
type FollowerInbox struct {
	FollowerURI string
	Inbox       string
	SharedInbox string
}

// Best returns the shared inbox when present, otherwise the personal inbox.
func (f FollowerInbox) Best() string {
	if f.SharedInbox != "" {
		return f.SharedInbox
	}
	return f.Inbox
}

// FollowerInboxes returns the delivery inboxes of every follower of a local
// actor URI, joined against the remote actor cache.
func (s *Store) FollowerInboxes(actorURI string) ([]FollowerInbox, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT f.follower_uri, r.inbox, r.shared_inbox
		 FROM followers f
		 JOIN remote_actors r ON r.id = f.remote_actor_id
		 WHERE f.actor_uri = ?`), actorURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FollowerInbox
	for rows.Next() {
		var fi FollowerInbox
		if err := rows.Scan(&fi.FollowerURI, &fi.Inbox, &fi.SharedInbox); err != nil {
			return nil, err
		}
		out = append(out, fi)
	}
	return out, rows.Err()
}

// MigrateFollowers repoints every follower row of oldURI to newURI, skipping
// rows that would collide with an existing (actor_uri, follower) pair.
// Runs in one transaction so a Move either lands completely or not at all.
func (s *Store) MigrateFollowers(oldURI, newURI string, newRemoteActorID int64) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Drop rows whose target pair already exists.
	_, err = tx.Exec(s.rebind(
		`DELETE FROM followers WHERE follower_uri = ? AND actor_uri IN (
			SELECT actor_uri FROM followers WHERE follower_uri = ?)`),
		oldURI, newURI)
	if err != nil {
		return 0, fmt.Errorf("dedup followers: %w", err)
	}

	res, err := tx.Exec(s.rebind(
		`UPDATE followers SET follower_uri = ?, remote_actor_id = ?
		 WHERE follower_uri = ?`),
		newURI, newRemoteActorID, oldURI)
	if err != nil {
		return 0, fmt.Errorf("migrate followers: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// ─── Outbound follows (local → remote) ────────────────────────────────────────

// Follow states.
const (
	FollowPending  = "pending"
	FollowAccepted = "accepted"
	FollowRejected = "rejected"
)

// CreateUserFollow records an outgoing user → remote follow in pending state.
// apID is the id of the outgoing Follow activity.
func (s *Store) CreateUserFollow(userID, remoteActorID int64, apID string) error {
	return s.execInsertIgnore(
		`INSERT INTO user_follows (user_id, remote_actor_id, state, ap_id)
		 VALUES (?, ?, 'pending', ?)`,
		userID, remoteActorID, apID)
}

// CreateBoardFollow records an outgoing board → remote follow in pending state.
func (s *Store) CreateBoardFollow(boardID, remoteActorID int64, apID string) error {
	return s.execInsertIgnore(
		`INSERT INTO board_follows (board_id, remote_actor_id, state, ap_id)
		 VALUES (?, ?, 'pending', ?)`,
		boardID, remoteActorID, apID)
}

// ResolveUserFollow transitions a user follow identified by the Follow
// activity's ap_id to accepted or rejected. Returns ErrNotFound when no
// pending follow matches.
func (s *Store) ResolveUserFollow(apID string, accepted bool) error {
	return s.resolveFollow("user_follows", apID, accepted)
}

// ResolveBoardFollow is ResolveUserFollow for board follows.
func (s *Store) ResolveBoardFollow(apID string, accepted bool) error {
	return s.resolveFollow("board_follows", apID, accepted)
}

func (s *Store) resolveFollow(table, apID string, accepted bool) error {
	state, tsCol := FollowAccepted, "accepted_at"
	if !accepted {
		state, tsCol = FollowRejected, "rejected_at"
	}
	res, err := s.db.Exec(s.rebind(
		`UPDATE `+table+` SET state = ?, `+tsCol+` = ? WHERE ap_id = ?`),
		state, nowUnix(), apID)
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

// UsersFollowingRemote returns ids of local users with an accepted follow of
// the remote actor. Their feeds receive untargeted Create activities.
func (s *Store) UsersFollowingRemote(remoteActorID int64) ([]int64, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT user_id FROM user_follows
		 WHERE remote_actor_id = ? AND state = 'accepted'`), remoteActorID)
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

// AcceptedBoardFollowExists reports whether a remote actor holds an accepted
// follow of the board. Boards with accept_policy "followers_only" require it
// before inbound articles are stored.
func (s *Store) AcceptedBoardFollowExists(boardID, remoteActorID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(s.rebind(
		`SELECT EXISTS(SELECT 1 FROM board_follows
		 WHERE board_id = ? AND remote_actor_id = ? AND state = 'accepted')`),
		boardID, remoteActorID).Scan(&exists)
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return exists, err
}
