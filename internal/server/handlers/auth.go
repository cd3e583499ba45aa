package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iudanet/dockeeper/internal/config"
	"github.com/iudanet/dockeeper/internal/crypto"
	"github.com/iudanet/dockeeper/internal/server/middleware"
	"github.com/iudanet/dockeeper/internal/server/storage"
	"github.com/iudanet/dockeeper/internal/validation"
	"github.com/iudanet/dockeeper/pkg/protocol"
)

// errInvalidCredentials не раскрывает, существует ли пользователь
var errInvalidCredentials = fmt.Errorf("%w: invalid username or password", storage.ErrUnauthorized)

// login: username, password; answers with the session id and its expiry
func (h *CommandHandler) login(req *request) error {
	ctx := req.ctx

	username, err := req.in.MustLine("username")
	if err != nil {
		return err
	}
	password, err := req.in.MustLine("password")
	if err != nil {
		return err
	}

	if err := validation.ValidateUsername(username); err != nil {
		h.logger.WarnContext(ctx, "invalid username", slog.String("username", username), slog.Any("error", err))
		return errInvalidCredentials
	}

	user, err := h.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			h.logger.WarnContext(ctx, "login failed: user not found", slog.String("username", username))
			return errInvalidCredentials
		}
		return fmt.Errorf("failed to get user: %w", err)
	}

	if err := crypto.VerifyPassword(password, user.Salt, user.PasswordHash); err != nil {
		h.logger.WarnContext(ctx, "login failed: invalid password", slog.String("username", username))
		return errInvalidCredentials
	}

	sid, expiresAt, err := h.sessions.Issue(user)
	if err != nil {
		return fmt.Errorf("failed to issue session: %w", err)
	}

	if err := h.users.UpdateLastLogin(ctx, user.ID, time.Now()); err != nil {
		// Не критичная ошибка, логируем но не прерываем
		h.logger.WarnContext(ctx, "failed to update last login", slog.Any("error", err))
	}

	middleware.Annotate(ctx, "user", user.Username)
	h.logger.InfoContext(ctx, "user logged in successfully",
		slog.String("username", user.Username),
		slog.Bool("admin", user.Admin))

	req.echo()
	req.out.Line(sid)
	req.out.Line(expiresAt.UTC().Format(time.RFC3339))
	return nil
}

// PeerAuth checks pass-phrase hashes presented by paired nodes.
// A caller signs with the pass-phrase it has configured for this node,
// which is this node's own pass-phrase.
type PeerAuth struct {
	domain     string
	passPhrase string
	remotes    map[string]struct{}
}

// NewPeerAuth creates a checker accepting the configured remotes
func NewPeerAuth(node config.NodeConfig, remotes []config.RemoteConfig) *PeerAuth {
	known := make(map[string]struct{}, len(remotes))
	for _, r := range remotes {
		known[r.Domain] = struct{}{}
	}
	return &PeerAuth{domain: node.Domain, passPhrase: node.PassPhrase, remotes: known}
}

// Verify checks hash of key presented by peer
func (a *PeerAuth) Verify(peer, key, hash string) error {
	if _, ok := a.remotes[peer]; !ok {
		return fmt.Errorf("%w: %q is not a paired node", storage.ErrUnauthorized, peer)
	}
	if !crypto.VerifyPassPhraseHash(key, a.passPhrase, hash) {
		return fmt.Errorf("%w: pass-phrase mismatch for %s", storage.ErrUnauthorized, peer)
	}
	return nil
}

// VerifyPeer checks a hash keyed by this node's domain (lists and event streams)
func (a *PeerAuth) VerifyPeer(peer, hash string) error {
	return a.Verify(peer, a.domain, hash)
}

// peer authenticates a replica command; the caller domain travels in a header
func (h *CommandHandler) peer(req *request, key, hash string) (string, error) {
	domain := req.http.Header.Get(protocol.HeaderDomain)
	if err := h.peers.Verify(domain, key, hash); err != nil {
		return "", err
	}
	middleware.Annotate(req.ctx, "peer", domain)
	return domain, nil
}
