// Package registry is the source of truth for who is online. It binds a
// transport connection to a username and the session key negotiated for
// that connection, and it is the only component allowed to announce
// joins and leaves.
package registry

import (
	"errors"
	"sync"
	"unicode/utf8"

	"relaychat/internal/crypto"
	"relaychat/internal/logging"
	"relaychat/internal/protocol"
)

// Admission failures surfaced to the requesting client
var (
	ErrNameTaken   = errors.New("username already taken")
	ErrNameEmpty   = errors.New("username must not be empty")
	ErrNameTooLong = errors.New("username too long")
	ErrNoKey       = errors.New("no session key negotiated")
)

// Peer is the write side of one transport connection. Send must not
// block; a full transport buffer drops the event. Bulk streams go
// through a blocking path the transport exposes separately.
type Peer interface {
	ID() string
	Send(ev *protocol.Event)
}

// Session is the authoritative record of one online user
type Session struct {
	Peer     Peer
	Username string
	Cipher   *crypto.SessionCipher
}

// Registry holds the live sessions and the pending keys of connections
// that negotiated a key but have not joined yet. All state is guarded
// by one mutex; the registry is small and contention is not a concern.
type Registry struct {
	mu       sync.Mutex
	nameCap  int
	sessions map[string]*Session // connection id -> session
	byName   map[string]*Session // username -> session
	order    []string            // usernames in admission order
	pending  map[string]*crypto.SessionCipher
}

// New creates an empty registry. nameCap bounds the accepted username
// length; zero or negative disables the cap.
func New(nameCap int) *Registry {
	return &Registry{
		nameCap:  nameCap,
		sessions: make(map[string]*Session),
		byName:   make(map[string]*Session),
		pending:  make(map[string]*crypto.SessionCipher),
	}
}

// SetPendingKey records the session cipher negotiated for a connection
// that has not joined yet. A later exchange for the same connection
// overwrites the earlier one.
func (r *Registry) SetPendingKey(connID string, cipher *crypto.SessionCipher) {
	r.mu.Lock()
	r.pending[connID] = cipher
	r.mu.Unlock()
}

// HasPendingKey reports whether a connection has an unconsumed key
func (r *Registry) HasPendingKey(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[connID]
	return ok
}

// Admit moves a connection with a negotiated key into the set of live
// sessions and announces the join to everyone, the new session
// included. The username must be unique, non-empty and within the cap;
// a rejected admission mutates nothing.
func (r *Registry) Admit(peer Peer, username string) error {
	r.mu.Lock()

	if username == "" {
		r.mu.Unlock()
		return ErrNameEmpty
	}
	// The cap counts characters, not bytes; multibyte names within the
	// cap must be admitted
	if r.nameCap > 0 && utf8.RuneCountInString(username) > r.nameCap {
		r.mu.Unlock()
		return ErrNameTooLong
	}
	if _, taken := r.byName[username]; taken {
		r.mu.Unlock()
		return ErrNameTaken
	}

	cipher, ok := r.pending[peer.ID()]
	if !ok {
		r.mu.Unlock()
		return ErrNoKey
	}
	delete(r.pending, peer.ID())

	sess := &Session{Peer: peer, Username: username, Cipher: cipher}
	r.sessions[peer.ID()] = sess
	r.byName[username] = sess
	r.order = append(r.order, username)

	usernames := r.snapshotLocked()
	recipients := r.peersLocked()
	r.mu.Unlock()

	logging.Info("User joined", map[string]string{"username": username})

	ev := protocol.NewEvent(protocol.EventJoined, protocol.Presence{
		Username:  username,
		Usernames: usernames,
	})
	for _, p := range recipients {
		p.Send(ev)
	}
	return nil
}

// Remove drops whatever state the registry holds for a connection and
// announces the departure. Removing an unknown connection is a safe
// no-op. A connection that negotiated a key but never joined is
// announced under the "unknown" placeholder, matching what the
// remaining clients can observe.
func (r *Registry) Remove(connID string) (string, bool) {
	r.mu.Lock()

	sess, admitted := r.sessions[connID]
	_, keyed := r.pending[connID]
	delete(r.pending, connID)

	if !admitted && !keyed {
		r.mu.Unlock()
		return "", false
	}

	username := "unknown"
	if admitted {
		username = sess.Username
		delete(r.sessions, connID)
		delete(r.byName, sess.Username)
		for i, name := range r.order {
			if name == sess.Username {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}

	usernames := r.snapshotLocked()
	recipients := r.peersLocked()
	r.mu.Unlock()

	logging.Info("User left", map[string]string{"username": username})

	ev := protocol.NewEvent(protocol.EventLeft, protocol.Presence{
		Username:  username,
		Usernames: usernames,
	})
	for _, p := range recipients {
		p.Send(ev)
	}
	return username, admitted
}

// Lookup returns the session bound to a connection, if any
func (r *Registry) Lookup(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[connID]
	return sess, ok
}

// LookupName returns the session of an online user, if any
func (r *Registry) LookupName(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byName[username]
	return sess, ok
}

// Sessions returns a copy of all live sessions in admission order
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Snapshot returns the usernames of all live sessions in admission order
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) peersLocked() []Peer {
	out := make([]Peer, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Peer)
	}
	return out
}
