// Package api is the client side of the line protocol.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/pkg/protocol"
)

// Update flags understood by the server
const (
	FlagKeepLock    = "keep"
	FlagRequireLock = "require"
)

// Client представляет HTTP клиент для взаимодействия с сервером
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient создает новый API клиент
func NewClient(baseURL string, logger *slog.Logger) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = 200 * time.Millisecond
	httpClient.RetryWaitMax = 2 * time.Second
	httpClient.HTTPClient.Timeout = 5 * time.Minute
	httpClient.Logger = logger

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Session is a login result
type Session struct {
	ExpiresAt time.Time
	ID        string
}

// UpdateRequest is phase 1 of an upload
type UpdateRequest struct {
	Manifest    *models.Manifest
	Session     string
	DocID       string // пусто для нового документа
	User        string // пусто = автор запроса
	KeepLock    bool
	RequireLock bool
}

// UpdateResult is the server's answer to phase 1
type UpdateResult struct {
	DocID   string
	Token   string // пусто, если обновление уже зафиксировано
	ToFetch []models.Entry
	Log     []string
}

// Archive is a tar stream of entries being received
type Archive struct {
	ar   *protocol.ArchiveReader
	body io.Closer
}

// NewArchive wraps a tar stream; body is closed by Close and may be nil
func NewArchive(r io.Reader, body io.Closer) *Archive {
	return &Archive{ar: protocol.NewArchiveReader(r), body: body}
}

// Next returns the next entry and its bytes
func (a *Archive) Next() (models.Entry, io.Reader, error) {
	return a.ar.Next()
}

// Close releases the response
func (a *Archive) Close() error {
	if a.body == nil {
		return nil
	}
	return a.body.Close()
}

// response is an open response positioned after the echoed command
type response struct {
	*protocol.Reader
	body io.ReadCloser
}

// Login выполняет аутентификацию пользователя
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	resp, err := c.call(ctx, protocol.CmdLogin, lines(username, password))
	if err != nil {
		return nil, err
	}
	defer resp.body.Close()

	sid, err := resp.MustLine("session")
	if err != nil {
		return nil, err
	}
	session := &Session{ID: sid}

	raw, err := resp.ReadLine()
	if err == nil && raw != "" {
		if session.ExpiresAt, err = time.Parse(time.RFC3339, raw); err != nil {
			return nil, fmt.Errorf("invalid session expiry %q: %w", raw, err)
		}
	}
	return session, nil
}

// List runs a list query
func (c *Client) List(ctx context.Context, sid string, filter models.Filter) (*models.ListResult, error) {
	resp, err := c.call(ctx, protocol.CmdList, lines(sid, protocol.EncodeFilter(filter)))
	if err != nil {
		return nil, err
	}
	defer resp.body.Close()

	return protocol.ReadList(resp.Reader)
}

// Checkout locks a document and returns the manifest of the requested version
func (c *Client) Checkout(ctx context.Context, sid, docID string, version int) (*models.Manifest, error) {
	return c.manifest(ctx, protocol.CmdCheckout, sid, docID, version)
}

// Manifest returns a manifest without taking the lock
func (c *Client) Manifest(ctx context.Context, sid, docID string, version int) (*models.Manifest, error) {
	return c.manifest(ctx, protocol.CmdManifest, sid, docID, version)
}

func (c *Client) manifest(ctx context.Context, cmd, sid, docID string, version int) (*models.Manifest, error) {
	resp, err := c.call(ctx, cmd, lines(sid, docID, strconv.Itoa(version)))
	if err != nil {
		return nil, err
	}
	defer resp.body.Close()

	return protocol.ReadManifest(resp.Reader, docID)
}

// Fetch downloads entries of a document; the caller closes the archive
func (c *Client) Fetch(ctx context.Context, sid, docID string, entries []models.Entry) (*Archive, error) {
	var body bytes.Buffer
	w := protocol.NewWriter(&body)
	w.Line(sid)
	w.Line(docID)
	protocol.WriteEntries(w, entries)
	if err := w.Flush(); err != nil {
		return nil, err
	}

	resp, err := c.call(ctx, protocol.CmdFetch, body.Bytes())
	if err != nil {
		return nil, err
	}
	return NewArchive(resp.Reader, resp.body), nil
}

// Update sends phase 1 of an upload
func (c *Client) Update(ctx context.Context, req UpdateRequest) (*UpdateResult, error) {
	var flags []string
	if req.KeepLock {
		flags = append(flags, FlagKeepLock)
	}
	if req.RequireLock {
		flags = append(flags, FlagRequireLock)
	}

	var body bytes.Buffer
	w := protocol.NewWriter(&body)
	w.Line(req.Session)
	w.Line(req.DocID)
	w.Line(req.User)
	w.Line(strings.Join(flags, ","))
	protocol.WriteManifest(w, req.Manifest)
	if err := w.Flush(); err != nil {
		return nil, err
	}

	resp, err := c.call(ctx, protocol.CmdUpdate, body.Bytes())
	if err != nil {
		return nil, err
	}
	defer resp.body.Close()

	res := &UpdateResult{}
	if res.DocID, err = resp.MustLine("document"); err != nil {
		return nil, err
	}
	if res.Token, err = resp.MustLine("token"); err != nil {
		return nil, err
	}
	if res.Token != "" {
		fetch, err := protocol.ReadManifest(resp.Reader, res.DocID)
		if err != nil {
			return nil, err
		}
		res.ToFetch = fetch.Entries
		return res, nil
	}
	if res.Log, err = resp.ReadLines(); err != nil {
		return nil, err
	}
	return res, nil
}

// Transfer sends phase 2. archive is called once per attempt and must
// produce the whole tar stream, terminator included.
func (c *Client) Transfer(ctx context.Context, sid, token string, archive func() (io.Reader, error)) ([]string, error) {
	prefix := []byte(protocol.CmdTransfer + "\n" + sid + "\n" + token + "\n")
	body := func() (io.Reader, error) {
		return &lazyReader{prefix: prefix, open: archive}, nil
	}

	resp, err := c.send(ctx, protocol.CmdTransfer, body)
	if err != nil {
		return nil, err
	}
	defer resp.body.Close()

	return resp.ReadLines()
}

// Delete removes a document and returns its protocol
func (c *Client) Delete(ctx context.Context, sid, docID string) ([]string, error) {
	return c.logCommand(ctx, protocol.CmdDelete, sid, docID)
}

// Release drops the checkout lock
func (c *Client) Release(ctx context.Context, sid, docID string) error {
	resp, err := c.call(ctx, protocol.CmdRelease, lines(sid, docID))
	if err != nil {
		return err
	}
	return resp.body.Close()
}

// Protocol returns the log of the last update of docID
func (c *Client) Protocol(ctx context.Context, docID string) ([]string, error) {
	return c.logCommand(ctx, protocol.CmdProtocol, docID)
}

// Replication runs an operator action against a paired node
func (c *Client) Replication(ctx context.Context, sid, action, domain string, flags []string) ([]string, error) {
	return c.logCommand(ctx, protocol.CmdReplication, sid, action, domain, strings.Join(flags, ","))
}

func (c *Client) logCommand(ctx context.Context, cmd string, args ...string) ([]string, error) {
	resp, err := c.call(ctx, cmd, lines(args...))
	if err != nil {
		return nil, err
	}
	defer resp.body.Close()

	return resp.ReadLines()
}

// call posts a command with a prepared body (without the command line)
func (c *Client) call(ctx context.Context, cmd string, body []byte) (*response, error) {
	full := make([]byte, 0, len(cmd)+1+len(body))
	full = append(full, cmd...)
	full = append(full, '\n')
	full = append(full, body...)
	return c.send(ctx, cmd, full)
}

// send выполняет HTTP запрос и проверяет эхо команды
func (c *Client) send(ctx context.Context, cmd string, body any) (*response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+protocol.CommandPath, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", protocol.ContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", cmd, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s request failed with status %d: %s", cmd, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	pr := protocol.NewReader(resp.Body)
	if err := pr.ExpectEcho(cmd); err != nil {
		resp.Body.Close()
		var remoteErr *protocol.RemoteError
		if errors.As(err, &remoteErr) {
			c.logger.Debug("server rejected command", "command", cmd, "error", remoteErr.Message)
		}
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}

	return &response{Reader: pr, body: resp.Body}, nil
}

// lazyReader opens the archive on the first Read. retryablehttp calls the body
// function once up front to measure the length; that call must not start a stream.
type lazyReader struct {
	open   func() (io.Reader, error)
	src    io.Reader
	r      io.Reader
	prefix []byte
}

func (l *lazyReader) Read(p []byte) (int, error) {
	if l.r == nil {
		src, err := l.open()
		if err != nil {
			return 0, err
		}
		l.src = src
		l.r = io.MultiReader(bytes.NewReader(l.prefix), src)
	}
	return l.r.Read(p)
}

// Close stops a streaming archive the transport gave up on
func (l *lazyReader) Close() error {
	if c, ok := l.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// lines encodes request lines
func lines(values ...string) []byte {
	var b strings.Builder
	for _, v := range values {
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
