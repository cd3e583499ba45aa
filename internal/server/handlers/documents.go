package handlers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/deltasync"
	"github.com/iudanet/dockeeper/internal/server/middleware"
	"github.com/iudanet/dockeeper/internal/server/storage"
	"github.com/iudanet/dockeeper/pkg/protocol"
)

// Update flags
const (
	FlagKeepLock    = "keep"
	FlagRequireLock = "require"
)

// list: session, urlencoded filter
func (h *CommandHandler) list(req *request) error {
	p, err := h.principal(req)
	if err != nil {
		return err
	}
	raw, err := optionalLine(req.in)
	if err != nil {
		return err
	}
	filter, err := protocol.DecodeFilter(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidFilter, err)
	}

	res, err := h.store.List(req.ctx, p, filter, false)
	if err != nil {
		return err
	}

	req.echo()
	protocol.WriteList(req.out, res)
	return nil
}

// checkout: session, docId, version
func (h *CommandHandler) checkout(req *request) error {
	p, err := h.principal(req)
	if err != nil {
		return err
	}
	docID, version, err := readDocVersion(req)
	if err != nil {
		return err
	}

	m, err := h.store.Checkout(req.ctx, p, docID, version)
	if err != nil {
		return err
	}

	req.echo()
	protocol.WriteManifest(req.out, m)
	return nil
}

// manifest: session, docId, version; no lock is taken
func (h *CommandHandler) manifest(req *request) error {
	if _, err := h.principal(req); err != nil {
		return err
	}
	docID, version, err := readDocVersion(req)
	if err != nil {
		return err
	}

	m, err := h.store.Manifest(req.ctx, docID, version)
	if err != nil {
		return err
	}

	req.echo()
	protocol.WriteManifest(req.out, m)
	return nil
}

func readDocVersion(req *request) (string, int, error) {
	docID, err := req.in.MustLine("document")
	if err != nil {
		return "", 0, err
	}
	middleware.Annotate(req.ctx, "doc_id", docID)

	raw, err := optionalLine(req.in)
	if err != nil {
		return "", 0, err
	}
	version := 0
	if raw = strings.TrimSpace(raw); raw != "" {
		version, err = strconv.Atoi(raw)
		if err != nil {
			return "", 0, fmt.Errorf("invalid version %q", raw)
		}
	}
	return docID, version, nil
}

// fetch: session, docId, entry lines; answers with a tar archive of the entries
func (h *CommandHandler) fetch(req *request) error {
	if _, err := h.principal(req); err != nil {
		return err
	}
	docID, err := req.in.MustLine("document")
	if err != nil {
		return err
	}
	middleware.Annotate(req.ctx, "doc_id", docID)

	wanted, err := protocol.ReadManifest(req.in, docID)
	if err != nil {
		return err
	}
	if _, err := h.store.Document(req.ctx, docID); err != nil {
		return err
	}
	for _, e := range wanted.Entries {
		if !h.store.HasEntryData(docID, e) {
			return fmt.Errorf("%w: entry %s of %s", storage.ErrNotFound, e.Name, docID)
		}
	}

	req.echo()
	return h.writeArchive(req, docID, wanted.Entries, false)
}

// writeArchive streams entries as tar; with skipMissing absent entries are left out
func (h *CommandHandler) writeArchive(req *request, docID string, entries []models.Entry, skipMissing bool) error {
	aw := protocol.NewArchiveWriter(req.out)
	for _, e := range entries {
		rc, size, err := h.store.OpenEntry(docID, e)
		if err != nil {
			if skipMissing {
				h.logger.DebugContext(req.ctx, "requested entry is not stored", "doc_id", docID, "entry", e.Name)
				continue
			}
			return err
		}
		err = aw.WriteEntry(e, size, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return aw.Close("")
}

// update: session, docId (empty = new), credited user, flags, manifest
func (h *CommandHandler) update(req *request) error {
	p, err := h.principal(req)
	if err != nil {
		return err
	}
	docID, err := req.in.MustLine("document")
	if err != nil {
		return err
	}
	credited, err := req.in.MustLine("user")
	if err != nil {
		return err
	}
	flags, err := req.in.MustLine("flags")
	if err != nil {
		return err
	}
	keep, require, err := parseUpdateFlags(flags)
	if err != nil {
		return err
	}
	m, err := protocol.ReadManifest(req.in, docID)
	if err != nil {
		return err
	}

	if credited == "" {
		credited = p.Name
	}
	if models.IsReplicaUser(credited) {
		return fmt.Errorf("%w: user %q is reserved for replication", storage.ErrUnauthorized, credited)
	}

	res, err := h.sync.Begin(req.ctx, deltasync.Request{
		Manifest:    m,
		User:        credited,
		AuthUser:    p.Name,
		KeepLock:    keep,
		RequireLock: require,
	})
	if err != nil {
		return err
	}
	middleware.Annotate(req.ctx, "doc_id", res.DocID, "to_fetch", len(res.ToFetch))

	req.echo()
	req.out.Line(res.DocID)
	req.out.Line(res.Token)
	if res.Token != "" {
		protocol.WriteEntries(req.out, res.ToFetch)
	} else {
		writeLog(req.out, res.Log)
	}
	return nil
}

func parseUpdateFlags(s string) (keep, require bool, err error) {
	for _, f := range strings.Split(s, ",") {
		switch strings.TrimSpace(f) {
		case "":
		case FlagKeepLock:
			keep = true
		case FlagRequireLock:
			require = true
		default:
			return false, false, fmt.Errorf("unknown update flag %q", f)
		}
	}
	return keep, require, nil
}

// transfer: session, token, tar archive terminated by a member named after the token
func (h *CommandHandler) transfer(req *request) error {
	p, err := h.principal(req)
	if err != nil {
		return err
	}
	token, err := req.in.MustLine("token")
	if err != nil {
		return err
	}

	owner, err := h.sync.Owner(token)
	if err != nil {
		return err
	}
	if owner != p.Name {
		return fmt.Errorf("%w: update %s was started by another user", storage.ErrUnauthorized, token)
	}

	res, err := h.sync.Transfer(req.ctx, token, req.in)
	if err != nil {
		return err
	}
	middleware.Annotate(req.ctx, "received", res.Received, "version", res.Version)

	req.echo()
	writeLog(req.out, res.Log)
	return nil
}

// delete: session, docId
func (h *CommandHandler) deleteDocument(req *request) error {
	p, err := h.principal(req)
	if err != nil {
		return err
	}
	docID, err := req.in.MustLine("document")
	if err != nil {
		return err
	}
	middleware.Annotate(req.ctx, "doc_id", docID)

	if err := h.store.Delete(req.ctx, p, docID); err != nil {
		return err
	}

	req.echo()
	var lines []string
	if log, ok := h.store.Protocols().Get(docID); ok {
		lines = log.Lines()
	}
	writeLog(req.out, lines)
	return nil
}

// release: session, docId
func (h *CommandHandler) release(req *request) error {
	p, err := h.principal(req)
	if err != nil {
		return err
	}
	docID, err := req.in.MustLine("document")
	if err != nil {
		return err
	}
	middleware.Annotate(req.ctx, "doc_id", docID)

	if err := h.store.Release(req.ctx, p, docID); err != nil {
		return err
	}

	req.echo()
	return nil
}

// protocol: key (a docId or replication:<domain>); callers poll until the complete line
func (h *CommandHandler) updateProtocol(req *request) error {
	key, err := req.in.MustLine("document")
	if err != nil {
		return err
	}

	log, ok := h.store.Protocols().Get(key)
	if !ok {
		return fmt.Errorf("%w: no update protocol for %s", storage.ErrNotFound, key)
	}

	req.echo()
	writeLog(req.out, log.Lines())
	return nil
}
