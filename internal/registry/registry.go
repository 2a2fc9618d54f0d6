// Package registry owns agent credentials and the live connection table.
// Credentials map agent names to bearer tokens one-to-one; connections exist
// only while an agent holds an open socket, at most one per name.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/taskhub/internal/audit"
	"github.com/basket/taskhub/internal/persistence"
)

// TokenPrefix marks every issued agent token.
const TokenPrefix = "agt_"

const tokenRandomBytes = 24

// Conn is the transport handle the registry holds for a live agent. The
// gateway's connection type satisfies it; the indirection keeps this package
// free of WebSocket imports.
type Conn interface {
	// Send writes one frame to the agent. Implementations marshal v as JSON.
	Send(ctx context.Context, v any) error
	// Close tears the connection down with a reason visible to the agent.
	Close(reason string)
}

// AgentInfo is a snapshot of one live connection.
type AgentInfo struct {
	Name        string
	OwnerID     int64
	ConnectedAt time.Time
	LastSeen    time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	creds   map[string]persistence.Credential // agent_name -> credential
	byToken map[string]string                 // token -> agent_name
	conns   map[string]*liveConn

	repo   persistence.CredentialRepo
	logger *slog.Logger
}

type liveConn struct {
	conn        Conn
	ownerID     int64
	connectedAt time.Time
	lastSeen    time.Time
}

// New creates a Registry persisting through repo.
func New(repo persistence.CredentialRepo, logger *slog.Logger) *Registry {
	return &Registry{
		creds:   make(map[string]persistence.Credential),
		byToken: make(map[string]string),
		conns:   make(map[string]*liveConn),
		repo:    repo,
		logger:  logger,
	}
}

// LoadCredentials seeds the in-memory index from the repository. Called once
// at startup; a failure here is fatal to the caller.
func (r *Registry) LoadCredentials(ctx context.Context) error {
	creds, err := r.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cred := range creds {
		r.creds[cred.AgentName] = cred
		r.byToken[cred.Token] = cred.AgentName
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// IssueToken creates a fresh credential for agentName owned by ownerID. An
// existing credential for the name is replaced atomically; the old token
// stops validating in the same step.
func (r *Registry) IssueToken(ctx context.Context, agentName string, ownerID int64) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if old, ok := r.creds[agentName]; ok {
		delete(r.byToken, old.Token)
	}
	cred := persistence.Credential{
		AgentName: agentName,
		Token:     token,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}
	r.creds[agentName] = cred
	r.byToken[token] = agentName
	r.mu.Unlock()

	if err := r.repo.Upsert(ctx, cred); err != nil {
		r.logger.Error("persist credential failed", "agent", agentName, "error", err)
	}
	audit.Credential("token_issued", agentName, fmt.Sprintf("user:%d", ownerID))
	return token, nil
}

// RefreshToken rotates the token for the credential owned by ownerID. It
// returns "" when no credential for agentName belongs to that owner. A live
// connection for the name is closed so the agent must reconnect with the
// new token.
func (r *Registry) RefreshToken(ctx context.Context, agentName string, ownerID int64) (string, error) {
	r.mu.RLock()
	cred, ok := r.creds[agentName]
	r.mu.RUnlock()
	if !ok || cred.OwnerID != ownerID {
		return "", nil
	}

	token, err := r.IssueToken(ctx, agentName, ownerID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	live := r.conns[agentName]
	delete(r.conns, agentName)
	r.mu.Unlock()
	if live != nil {
		live.conn.Close("token rotated")
	}
	audit.Credential("token_rotated", agentName, fmt.Sprintf("user:%d", ownerID))
	return token, nil
}

// Validate reports whether token is the current token for agentName. The
// comparison is constant-time; a length mismatch or unknown name is false.
func (r *Registry) Validate(agentName, token string) bool {
	r.mu.RLock()
	cred, ok := r.creds[agentName]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if len(cred.Token) != len(token) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cred.Token), []byte(token)) == 1
}

// LookupByToken resolves a token to its agent name, O(1).
func (r *Registry) LookupByToken(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byToken[token]
	return name, ok
}

// FindCredentialByOwner returns the credential owned by ownerID, if any.
// When an owner registered several agents the first by name wins; the chat
// adapter uses this only for single-agent owners rotating their token.
func (r *Registry) FindCredentialByOwner(ownerID int64) (*persistence.Credential, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *persistence.Credential
	for name := range r.creds {
		cred := r.creds[name]
		if cred.OwnerID != ownerID {
			continue
		}
		if best == nil || cred.AgentName < best.AgentName {
			c := cred
			best = &c
		}
	}
	return best, best != nil
}

// OwnerOf returns the owner id for agentName.
func (r *Registry) OwnerOf(agentName string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cred, ok := r.creds[agentName]
	if !ok {
		return 0, false
	}
	return cred.OwnerID, true
}

// Revoke deletes the credential and closes any live connection.
func (r *Registry) Revoke(ctx context.Context, agentName string) error {
	r.mu.Lock()
	var ownerID int64
	if cred, ok := r.creds[agentName]; ok {
		ownerID = cred.OwnerID
		delete(r.byToken, cred.Token)
		delete(r.creds, agentName)
	}
	live := r.conns[agentName]
	delete(r.conns, agentName)
	r.mu.Unlock()

	if live != nil {
		live.conn.Close("credential revoked")
	}
	if err := r.repo.Delete(ctx, agentName); err != nil {
		return fmt.Errorf("delete credential %s: %w", agentName, err)
	}
	audit.Credential("token_revoked", agentName, fmt.Sprintf("user:%d", ownerID))
	return nil
}

// Register installs conn as the live connection for agentName, evicting and
// closing any prior connection for the same name. Callers must have
// validated credentials first.
func (r *Registry) Register(agentName string, conn Conn) AgentInfo {
	now := time.Now().UTC()

	r.mu.Lock()
	prior := r.conns[agentName]
	ownerID := r.creds[agentName].OwnerID
	r.conns[agentName] = &liveConn{
		conn:        conn,
		ownerID:     ownerID,
		connectedAt: now,
		lastSeen:    now,
	}
	r.mu.Unlock()

	if prior != nil {
		prior.conn.Close("replaced by new registration")
		r.logger.Info("evicted prior connection", "agent", agentName)
	}
	return AgentInfo{Name: agentName, OwnerID: ownerID, ConnectedAt: now, LastSeen: now}
}

// Unregister removes the live connection for agentName if conn is still the
// installed one, reporting whether it removed the entry. The credential is
// untouched.
func (r *Registry) Unregister(agentName string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	live, ok := r.conns[agentName]
	if !ok || live.conn != conn {
		return false
	}
	delete(r.conns, agentName)
	return true
}

// Touch updates last_seen for agentName. Any inbound frame counts.
func (r *Registry) Touch(agentName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if live, ok := r.conns[agentName]; ok {
		live.lastSeen = time.Now().UTC()
	}
}

// ConnFor returns the live connection for agentName.
func (r *Registry) ConnFor(agentName string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	live, ok := r.conns[agentName]
	if !ok {
		return nil, false
	}
	return live.conn, true
}

// IsOnline reports whether agentName holds a live connection.
func (r *Registry) IsOnline(agentName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[agentName]
	return ok
}

// ListOnline snapshots the live connections.
func (r *Registry) ListOnline() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentInfo, 0, len(r.conns))
	for name, live := range r.conns {
		out = append(out, AgentInfo{
			Name:        name,
			OwnerID:     live.ownerID,
			ConnectedAt: live.connectedAt,
			LastSeen:    live.lastSeen,
		})
	}
	return out
}

// Stale returns names whose last_seen is older than cutoff. The gateway
// heartbeat uses this to close dead connections.
func (r *Registry) Stale(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, live := range r.conns {
		if live.lastSeen.Before(cutoff) {
			names = append(names, name)
		}
	}
	return names
}

// CloseAll closes every live connection. Used during shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for name, live := range r.conns {
		conns = append(conns, live.conn)
		delete(r.conns, name)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Close(reason)
	}
}
