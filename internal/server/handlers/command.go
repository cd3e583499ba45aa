// Package handlers serves the line protocol, the replication event stream and health checks.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/deltasync"
	"github.com/iudanet/dockeeper/internal/server/events"
	"github.com/iudanet/dockeeper/internal/server/middleware"
	"github.com/iudanet/dockeeper/internal/server/replication"
	"github.com/iudanet/dockeeper/internal/server/session"
	"github.com/iudanet/dockeeper/internal/server/storage"
	"github.com/iudanet/dockeeper/internal/server/updatelog"
	"github.com/iudanet/dockeeper/pkg/protocol"
)

// DocumentStore is the storage engine as seen by the protocol
type DocumentStore interface {
	Document(ctx context.Context, docID string) (*models.Document, error)
	List(ctx context.Context, p models.Principal, filter models.Filter, headOnly bool) (*models.ListResult, error)
	Checkout(ctx context.Context, p models.Principal, docID string, version int) (*models.Manifest, error)
	Manifest(ctx context.Context, docID string, version int) (*models.Manifest, error)
	Release(ctx context.Context, p models.Principal, docID string) error
	Delete(ctx context.Context, p models.Principal, docID string) error
	HasEntryData(docID string, entry models.Entry) bool
	OpenEntry(docID string, entry models.Entry) (io.ReadCloser, int64, error)
	Stamps(ctx context.Context) ([]models.DocStamp, error)
	Protocols() *updatelog.Registry
}

// Replicator runs operator replication actions
type Replicator interface {
	Diff(domain string) error
	Sync(domain string, deleteMissing bool) error
	Cancel(domain string) error
	Status(domain string) (replication.Status, error)
}

// CommandConfig collects CommandHandler dependencies
type CommandConfig struct {
	Store       DocumentStore
	Sync        *deltasync.Service
	Sessions    *session.Manager
	Users       storage.UserStorage
	Replication Replicator
	Peers       *PeerAuth
	Events      *events.Log
	Logger      *slog.Logger
}

// CommandHandler обрабатывает POST /api/v1/command.
// Первая строка тела запроса выбирает команду.
type CommandHandler struct {
	store       DocumentStore
	sync        *deltasync.Service
	sessions    *session.Manager
	users       storage.UserStorage
	replication Replicator
	peers       *PeerAuth
	events      *events.Log
	logger      *slog.Logger

	commands map[string]func(req *request) error
}

// NewCommandHandler создает handler протокола
func NewCommandHandler(cfg CommandConfig) *CommandHandler {
	h := &CommandHandler{
		store:       cfg.Store,
		sync:        cfg.Sync,
		sessions:    cfg.Sessions,
		users:       cfg.Users,
		replication: cfg.Replication,
		peers:       cfg.Peers,
		events:      cfg.Events,
		logger:      cfg.Logger,
	}

	h.commands = map[string]func(req *request) error{
		protocol.CmdLogin:           h.login,
		protocol.CmdList:            h.list,
		protocol.CmdCheckout:        h.checkout,
		protocol.CmdManifest:        h.manifest,
		protocol.CmdFetch:           h.fetch,
		protocol.CmdUpdate:          h.update,
		protocol.CmdTransfer:        h.transfer,
		protocol.CmdDelete:          h.deleteDocument,
		protocol.CmdRelease:         h.release,
		protocol.CmdProtocol:        h.updateProtocol,
		protocol.CmdReplicaDocument: h.replicaDocument,
		protocol.CmdReplicaEntries:  h.replicaEntries,
		protocol.CmdReplicaList:     h.replicaList,
		protocol.CmdReplicaEvents:   h.replicaEvents,
		protocol.CmdReplication:     h.replicationAction,
	}

	return h
}

// request is one protocol exchange
type request struct {
	ctx    context.Context
	http   *http.Request
	in     *protocol.Reader
	out    *protocol.Writer
	cmd    string
	echoed bool
}

// echo starts the successful response; after it errors can no longer be reported in-band
func (r *request) echo() {
	r.out.Line(r.cmd)
	r.echoed = true
}

// ServeHTTP dispatches the command named on the first body line
func (h *CommandHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	in := protocol.NewReader(r.Body)
	cmd, err := in.MustLine("command")
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read command", slog.Any("error", err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	middleware.Annotate(r.Context(), "command", cmd)

	w.Header().Set("Content-Type", protocol.ContentType)
	req := &request{
		ctx:  r.Context(),
		http: r,
		in:   in,
		out:  protocol.NewWriter(w),
		cmd:  cmd,
	}

	handle, ok := h.commands[cmd]
	if !ok {
		err = fmt.Errorf("unknown command %q", cmd)
	} else {
		err = handle(req)
	}

	if err != nil {
		if req.echoed {
			// ответ уже начат: обрываем соединение, клиент увидит неполный поток
			h.logger.ErrorContext(r.Context(), "command failed mid-response", slog.String("command", cmd), slog.Any("error", err))
			_ = req.out.Flush()
			panic(http.ErrAbortHandler)
		}
		h.logError(r.Context(), cmd, err)
		req.out.Line(ErrorLine(err))
	}

	if err := req.out.Flush(); err != nil {
		h.logger.DebugContext(r.Context(), "failed to write response", slog.String("command", cmd), slog.Any("error", err))
	}
}

// wireErrors are reported with their own text first so that the caller can match them
var wireErrors = []error{
	storage.ErrNotFound,
	storage.ErrLocked,
	storage.ErrConflict,
	storage.ErrInvalidToken,
	storage.ErrIncompleteUpload,
	storage.ErrUnauthorized,
	storage.ErrTransport,
	storage.ErrInconsistent,
	storage.ErrInvalidFilter,
	replication.ErrUnknownRemote,
	replication.ErrBusy,
	replication.ErrIdle,
}

// ErrorLine renders err as the first response line of a failed command
func ErrorLine(err error) string {
	msg := err.Error()
	for _, sentinel := range wireErrors {
		if !errors.Is(err, sentinel) {
			continue
		}
		if !strings.HasPrefix(msg, sentinel.Error()) {
			msg = sentinel.Error() + ": " + msg
		}
		return msg
	}
	return "error: " + msg
}

func (h *CommandHandler) logError(ctx context.Context, cmd string, err error) {
	for _, sentinel := range wireErrors {
		if errors.Is(err, sentinel) {
			// исправимая вызывающей стороной ситуация
			h.logger.InfoContext(ctx, "command rejected", slog.String("command", cmd), slog.Any("error", err))
			return
		}
	}
	h.logger.ErrorContext(ctx, "command failed", slog.String("command", cmd), slog.Any("error", err))
}

// principal reads the session line and authenticates it
func (h *CommandHandler) principal(req *request) (models.Principal, error) {
	sid, err := req.in.MustLine("session")
	if err != nil {
		return models.Principal{}, err
	}
	p, err := h.sessions.Validate(sid)
	if err != nil {
		return models.Principal{}, err
	}
	middleware.Annotate(req.ctx, "user", p.Name)
	return p, nil
}

// optionalLine reads a trailing line that older callers may omit
func optionalLine(in *protocol.Reader) (string, error) {
	line, err := in.ReadLine()
	if errors.Is(err, io.EOF) {
		return "", nil
	}
	return line, err
}

// writeLog writes protocol lines followed by the terminator
func writeLog(out *protocol.Writer, lines []string) {
	for _, l := range lines {
		out.Line(l)
	}
	out.End()
}
