package handlers

import (
	"fmt"
	"strings"
	"time"

	"github.com/iudanet/dockeeper/internal/server/middleware"
	"github.com/iudanet/dockeeper/internal/server/replication"
	"github.com/iudanet/dockeeper/internal/server/storage"
	"github.com/iudanet/dockeeper/pkg/protocol"
)

// Replication actions
const (
	ActionDiff   = "diff"
	ActionSync   = "sync"
	ActionCancel = "cancel"
	ActionStatus = "status"

	// FlagDeleteMissing makes sync delete local documents the remote does not have
	FlagDeleteMissing = "delete"
)

// replica-document: pass hash (keyed by docId), docId
func (h *CommandHandler) replicaDocument(req *request) error {
	hash, err := req.in.MustLine("pass hash")
	if err != nil {
		return err
	}
	docID, err := req.in.MustLine("document")
	if err != nil {
		return err
	}
	if _, err := h.peer(req, docID, hash); err != nil {
		return err
	}
	middleware.Annotate(req.ctx, "doc_id", docID)

	m, err := h.store.Manifest(req.ctx, docID, 0)
	if err != nil {
		return err
	}

	req.echo()
	protocol.WriteManifest(req.out, m)
	return nil
}

// replica-entries: pass hash (keyed by docId), docId, entry lines.
// Entries this node cannot supply are left out of the archive; the caller retries them.
func (h *CommandHandler) replicaEntries(req *request) error {
	hash, err := req.in.MustLine("pass hash")
	if err != nil {
		return err
	}
	docID, err := req.in.MustLine("document")
	if err != nil {
		return err
	}
	if _, err := h.peer(req, docID, hash); err != nil {
		return err
	}
	middleware.Annotate(req.ctx, "doc_id", docID)

	wanted, err := protocol.ReadManifest(req.in, docID)
	if err != nil {
		return err
	}

	req.echo()
	return h.writeArchive(req, docID, wanted.Entries, true)
}

// replica-list: pass hash (keyed by this node's domain)
func (h *CommandHandler) replicaList(req *request) error {
	hash, err := req.in.MustLine("pass hash")
	if err != nil {
		return err
	}
	if _, err := h.peer(req, h.peers.domain, hash); err != nil {
		return err
	}

	stamps, err := h.store.Stamps(req.ctx)
	if err != nil {
		return err
	}

	req.echo()
	protocol.WriteStamps(req.out, stamps)
	return nil
}

// replica-events: pass hash (keyed by this node's domain), since event id
func (h *CommandHandler) replicaEvents(req *request) error {
	hash, err := req.in.MustLine("pass hash")
	if err != nil {
		return err
	}
	since, err := optionalLine(req.in)
	if err != nil {
		return err
	}
	if _, err := h.peer(req, h.peers.domain, hash); err != nil {
		return err
	}

	evs, err := h.events.Since(since, 0)
	if err != nil {
		return err
	}

	req.echo()
	return protocol.WriteEvents(req.out, evs)
}

// replication: session (admin), action, domain, flags
func (h *CommandHandler) replicationAction(req *request) error {
	p, err := h.principal(req)
	if err != nil {
		return err
	}
	if !p.Admin {
		return fmt.Errorf("%w: replication requires an administrator", storage.ErrUnauthorized)
	}
	action, err := req.in.MustLine("action")
	if err != nil {
		return err
	}
	domain, err := req.in.MustLine("domain")
	if err != nil {
		return err
	}
	flags, err := optionalLine(req.in)
	if err != nil {
		return err
	}
	middleware.Annotate(req.ctx, "action", action, "remote", domain)

	var lines []string
	switch action {
	case ActionDiff:
		if err := h.replication.Diff(domain); err != nil {
			return err
		}
		lines = append(lines, fmt.Sprintf("diff with %s started, see protocol %s", domain, replication.ProtocolKey(domain)))
	case ActionSync:
		deleteMissing := false
		for _, f := range strings.Split(flags, ",") {
			if strings.TrimSpace(f) == FlagDeleteMissing {
				deleteMissing = true
			}
		}
		if err := h.replication.Sync(domain, deleteMissing); err != nil {
			return err
		}
		lines = append(lines, fmt.Sprintf("sync with %s started, see protocol %s", domain, replication.ProtocolKey(domain)))
	case ActionCancel:
		if err := h.replication.Cancel(domain); err != nil {
			return err
		}
		lines = append(lines, fmt.Sprintf("cancel of %s requested", domain))
	case ActionStatus:
		st, err := h.replication.Status(domain)
		if err != nil {
			return err
		}
		op := st.Operation
		if op == "" {
			op = "idle"
		}
		lines = append(lines, "operation: "+op)
		if !st.Started.IsZero() {
			lines = append(lines, "started: "+st.Started.UTC().Format(time.RFC3339))
		}
		lines = append(lines, fmt.Sprintf("pending: %d", st.Pending))
	default:
		return fmt.Errorf("unknown replication action %q", action)
	}

	h.logger.InfoContext(req.ctx, "replication action", "action", action, "remote", domain, "user", p.Name)

	req.echo()
	writeLog(req.out, lines)
	return nil
}
