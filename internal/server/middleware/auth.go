package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/iudanet/dockeeper/pkg/protocol"
)

// PeerVerifier checks the pass-phrase hash a paired node presents for its domain
type PeerVerifier interface {
	VerifyPeer(domain, hash string) error
}

type peerKey struct{}

// PeerDomain returns the authenticated peer domain stored by PeerAuthMiddleware
func PeerDomain(ctx context.Context) (string, bool) {
	domain, ok := ctx.Value(peerKey{}).(string)
	return domain, ok
}

// PeerAuthMiddleware создает middleware для проверки узла-партнера.
// Домен вызывающего узла и хеш пароль-фразы передаются в заголовках X-Dockeeper-Domain и X-Dockeeper-Auth.
func PeerAuthMiddleware(verifier PeerVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			domain := r.Header.Get(protocol.HeaderDomain)
			hash := r.Header.Get(protocol.HeaderAuth)
			if domain == "" || hash == "" {
				logger.Warn("Missing peer credentials", "remote_addr", r.RemoteAddr)
				http.Error(w, "Unauthorized: missing peer credentials", http.StatusUnauthorized)
				return
			}

			if err := verifier.VerifyPeer(domain, hash); err != nil {
				// сам хеш не логируем
				logger.Warn("Peer authentication failed", "domain", domain, "remote_addr", r.RemoteAddr, "error", err)
				http.Error(w, "Unauthorized: invalid peer credentials", http.StatusUnauthorized)
				return
			}

			logger.Debug("Peer authenticated", "domain", domain)
			Annotate(r.Context(), "peer", domain)

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), peerKey{}, domain)))
		})
	}
}
