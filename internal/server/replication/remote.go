package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/iudanet/dockeeper/internal/config"
	"github.com/iudanet/dockeeper/internal/crypto"
	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/storage"
	"github.com/iudanet/dockeeper/pkg/protocol"
)

// Remote talks to one paired node over the line protocol.
// Requests are signed with the remote's pass-phrase; the caller's domain travels in a header.
type Remote struct {
	domain      string
	baseURL     string
	passPhrase  string
	localDomain string
	subscribe   bool
	client      *retryablehttp.Client
	logger      *slog.Logger
}

// NewRemote creates a client for a configured remote
func NewRemote(cfg config.RemoteConfig, localDomain string, logger *slog.Logger) *Remote {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = logger.With("remote", cfg.Domain)

	return &Remote{
		domain:      cfg.Domain,
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		passPhrase:  cfg.PassPhrase,
		localDomain: localDomain,
		subscribe:   cfg.Subscribe,
		client:      client,
		logger:      logger,
	}
}

// Domain returns the remote's domain
func (r *Remote) Domain() string {
	return r.domain
}

// Subscribed reports whether live events of the remote should be followed
func (r *Remote) Subscribed() bool {
	return r.subscribe
}

// response is an open response positioned after the echoed command
type response struct {
	*protocol.Reader
	body io.Closer
}

func (resp *response) Close() error {
	return resp.body.Close()
}

// call posts a command and checks the echo
func (r *Remote) call(ctx context.Context, cmd string, write func(w *protocol.Writer)) (*response, error) {
	var body bytes.Buffer
	w := protocol.NewWriter(&body)
	w.Line(cmd)
	write(w)
	if err := w.Flush(); err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+protocol.CommandPath, body.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", protocol.ContentType)
	req.Header.Set(protocol.HeaderDomain, r.localDomain)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", storage.ErrTransport, r.domain, cmd, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s: status %d", storage.ErrTransport, r.domain, cmd, resp.StatusCode)
	}

	pr := protocol.NewReader(resp.Body)
	if err := pr.ExpectEcho(cmd); err != nil {
		resp.Body.Close()
		var remoteErr *protocol.RemoteError
		if errors.As(err, &remoteErr) {
			return nil, fmt.Errorf("%s %s: %w", r.domain, cmd, err)
		}
		return nil, fmt.Errorf("%w: %s %s: %v", storage.ErrTransport, r.domain, cmd, err)
	}

	return &response{Reader: pr, body: resp.Body}, nil
}

// Document fetches the current manifest of a remote document
func (r *Remote) Document(ctx context.Context, docID string) (*models.Manifest, error) {
	resp, err := r.call(ctx, protocol.CmdReplicaDocument, func(w *protocol.Writer) {
		w.Line(crypto.PassPhraseHash(docID, r.passPhrase))
		w.Line(docID)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	m, err := protocol.ReadManifest(resp.Reader, docID)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest of %s: %v", storage.ErrTransport, docID, err)
	}
	return m, nil
}

// EntryStream is an archive of requested entries being received
type EntryStream interface {
	Archive() *protocol.ArchiveReader
	Close() error
}

type entryStream struct {
	ar   *protocol.ArchiveReader
	resp *response
}

func (s *entryStream) Archive() *protocol.ArchiveReader { return s.ar }

func (s *entryStream) Close() error { return s.resp.Close() }

// Entries requests the bytes of entries as an archive
func (r *Remote) Entries(ctx context.Context, docID string, entries []models.Entry) (EntryStream, error) {
	resp, err := r.call(ctx, protocol.CmdReplicaEntries, func(w *protocol.Writer) {
		w.Line(crypto.PassPhraseHash(docID, r.passPhrase))
		w.Line(docID)
		protocol.WriteEntries(w, entries)
	})
	if err != nil {
		return nil, err
	}
	return &entryStream{ar: protocol.NewArchiveReader(resp.Reader), resp: resp}, nil
}

// List fetches (docId, update time) of every remote document
func (r *Remote) List(ctx context.Context) ([]models.DocStamp, error) {
	resp, err := r.call(ctx, protocol.CmdReplicaList, func(w *protocol.Writer) {
		w.Line(crypto.PassPhraseHash(r.domain, r.passPhrase))
	})
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	stamps, err := protocol.ReadStamps(resp.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", storage.ErrTransport, err)
	}
	return stamps, nil
}

// Events fetches remote events after since ("" = whole log)
func (r *Remote) Events(ctx context.Context, since string) ([]models.Event, error) {
	resp, err := r.call(ctx, protocol.CmdReplicaEvents, func(w *protocol.Writer) {
		w.Line(crypto.PassPhraseHash(r.domain, r.passPhrase))
		w.Line(since)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	evs, err := protocol.ReadEvents(resp.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: events: %v", storage.ErrTransport, err)
	}
	return evs, nil
}

// eventsURL returns the websocket url of the remote event stream
func (r *Remote) eventsURL(since string) (string, error) {
	u, err := url.Parse(r.baseURL + protocol.EventsPath)
	if err != nil {
		return "", fmt.Errorf("invalid remote url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if since != "" {
		u.RawQuery = url.Values{"since": {since}}.Encode()
	}
	return u.String(), nil
}

// streamHeader returns the headers authenticating the event stream
func (r *Remote) streamHeader() http.Header {
	h := http.Header{}
	h.Set(protocol.HeaderDomain, r.localDomain)
	h.Set(protocol.HeaderAuth, crypto.PassPhraseHash(r.domain, r.passPhrase))
	return h
}
