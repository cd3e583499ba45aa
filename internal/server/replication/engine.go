// Package replication keeps documents consistent across paired nodes.
//
// Local publishable events are recorded in the event log that peers read.
// Remote update events schedule pulls on the worker pool; a pull diffs the
// remote manifest against the local store and fetches only the differing entries.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/deltasync"
	"github.com/iudanet/dockeeper/internal/server/events"
	"github.com/iudanet/dockeeper/internal/server/metrics"
	"github.com/iudanet/dockeeper/internal/server/storage"
	"github.com/iudanet/dockeeper/internal/server/updatelog"
	"github.com/iudanet/dockeeper/internal/server/worker"
)

// SkewTolerance absorbs clock differences when comparing update times of two nodes
const SkewTolerance = time.Second

var (
	// ErrUnknownRemote indicates a domain that is not configured as a remote
	ErrUnknownRemote = errors.New("unknown remote domain")

	// ErrBusy indicates that a diff or sync already runs for the remote
	ErrBusy = errors.New("replication operation already running")

	// ErrIdle indicates that no operation runs for the remote
	ErrIdle = errors.New("no replication operation running")
)

// LocalStore is the part of the storage engine replication writes through
type LocalStore interface {
	Document(ctx context.Context, docID string) (*models.Document, error)
	Delete(ctx context.Context, p models.Principal, docID string) error
	Stamps(ctx context.Context) ([]models.DocStamp, error)
}

// Source is a remote node documents are pulled from
type Source interface {
	Domain() string
	Document(ctx context.Context, docID string) (*models.Manifest, error)
	Entries(ctx context.Context, docID string, entries []models.Entry) (EntryStream, error)
	List(ctx context.Context) ([]models.DocStamp, error)
	Events(ctx context.Context, since string) ([]models.Event, error)
}

// Config collects replication dependencies
type Config struct {
	Domain        string
	Sources       []Source
	Store         LocalStore
	Sync          *deltasync.Service
	Pool          *worker.Pool
	Log           *events.Log
	Protocols     *updatelog.Registry
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	FetchAttempts int
	FetchDelay    time.Duration
}

// Engine is the replication engine of one node
type Engine struct {
	domain    string
	sources   map[string]Source
	store     LocalStore
	sync      *deltasync.Service
	pool      *worker.Pool
	log       *events.Log
	protocols *updatelog.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
	attempts  int
	delay     time.Duration

	pulls singleflight.Group

	mu  sync.Mutex
	ops map[string]*operation
	wg  sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
}

// operation is a running diff or sync against one remote
type operation struct {
	kind    string
	started time.Time
	cancel  context.CancelFunc
	log     *updatelog.Log
}

// Status describes replication activity for one remote
type Status struct {
	Started   time.Time
	Domain    string
	Operation string // Operation "diff", "sync" или "" если ничего не выполняется
	Pending   int    // Pending queued replication tasks of the node
}

// New creates a replication engine
func New(cfg Config) *Engine {
	sources := make(map[string]Source, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources[s.Domain()] = s
	}
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = 1
	}

	return &Engine{
		domain:    cfg.Domain,
		sources:   sources,
		store:     cfg.Store,
		sync:      cfg.Sync,
		pool:      cfg.Pool,
		log:       cfg.Log,
		protocols: cfg.Protocols,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		attempts:  cfg.FetchAttempts,
		delay:     cfg.FetchDelay,
		ops:       make(map[string]*operation),
		sleep:     sleepContext,
	}
}

// Source returns the configured remote of domain
func (e *Engine) Source(domain string) (Source, bool) {
	s, ok := e.sources[domain]
	return s, ok
}

// Record appends publishable local events to the event log until ctx is done.
// Replica-originated events never reach the log, so peers never see their own changes again.
// Events already buffered when ctx is done are still recorded.
func (e *Engine) Record(ctx context.Context, sub *events.Subscription) error {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			e.drain(sub)
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			e.record(ev)
		}
	}
}

// drain records whatever is still buffered in sub without waiting for more
func (e *Engine) drain(sub *events.Subscription) {
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			e.record(ev)
		default:
			return
		}
	}
}

func (e *Engine) record(ev models.Event) {
	if !ev.Publishable() {
		return
	}
	stored, err := e.log.Append(ev)
	if err != nil {
		e.logger.Error("failed to record event", "id", ev.ID, "doc_id", ev.DocID, "error", err)
		return
	}
	e.logger.Debug("event recorded for peers", "id", stored.ID, "type", stored.Type, "doc_id", stored.DocID)
}

// HandleRemoteEvent reacts to an event received from origin.
// Updates schedule a pull; deletes are applied at once.
func (e *Engine) HandleRemoteEvent(ctx context.Context, origin string, ev models.Event) error {
	src, ok := e.sources[origin]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRemote, origin)
	}

	if models.IsReplicaUser(ev.User) || ev.Origin == e.domain {
		e.logger.Debug("ignoring replicated event", "origin", origin, "doc_id", ev.DocID, "user", ev.User)
		return nil
	}

	switch ev.Type {
	case models.EventUpdate:
		return e.SchedulePull(ctx, src, ev.DocID, ev.Version)
	case models.EventDelete:
		return e.applyDelete(ctx, origin, ev.DocID)
	default:
		return nil
	}
}

func (e *Engine) applyDelete(ctx context.Context, origin, docID string) error {
	err := e.store.Delete(ctx, models.ReplicaPrincipal(origin), docID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		e.logger.Error("failed to apply remote delete", "origin", origin, "doc_id", docID, "error", err)
		return fmt.Errorf("failed to apply delete of %s: %w", docID, err)
	}
	e.logger.Info("remote delete applied", "origin", origin, "doc_id", docID)
	return nil
}

// SchedulePull queues a pull of docID from src; version -1 means unknown
func (e *Engine) SchedulePull(ctx context.Context, src Source, docID string, version int) error {
	err := e.pool.SubmitWait(ctx, func(taskCtx context.Context) {
		e.metrics.QueueDepth.Set(float64(e.pool.Pending()))
		if _, err := e.Pull(taskCtx, src, docID, version); err != nil {
			e.logger.Error("replication pull failed", "origin", src.Domain(), "doc_id", docID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule pull of %s: %w", docID, err)
	}
	e.metrics.QueueDepth.Set(float64(e.pool.Pending()))
	return nil
}

// PullResult reports what a pull did
type PullResult struct {
	Version   int
	Fetched   int
	Committed bool
}

// Pull replicates the current version of docID from src.
// Concurrent pulls of the same remote version are coalesced.
func (e *Engine) Pull(ctx context.Context, src Source, docID string, version int) (PullResult, error) {
	key := fmt.Sprintf("%s/%s/%d", src.Domain(), docID, version)
	v, err, shared := e.pulls.Do(key, func() (any, error) {
		return e.pull(ctx, src, docID)
	})
	if shared {
		e.logger.Debug("pull coalesced", "origin", src.Domain(), "doc_id", docID, "version", version)
	}

	res, _ := v.(PullResult)
	switch {
	case err != nil:
		e.metrics.Pulls.WithLabelValues("failed").Inc()
	case res.Committed:
		e.metrics.Pulls.WithLabelValues("committed").Inc()
	default:
		e.metrics.Pulls.WithLabelValues("unchanged").Inc()
	}
	return res, err
}

func (e *Engine) pull(ctx context.Context, src Source, docID string) (PullResult, error) {
	remote, err := src.Document(ctx, docID)
	if err != nil {
		return PullResult{}, err
	}

	target := provenance(remote, src.Domain())
	user := target.Attr(models.AttrOrigUpdateUser)
	if user == "" {
		user = models.ReplicaUser(src.Domain())
	}

	begin, err := e.sync.Begin(ctx, deltasync.Request{
		Manifest:      target,
		User:          user,
		Origin:        src.Domain(),
		SkipUnchanged: true,
	})
	if err != nil {
		return PullResult{}, err
	}

	res := PullResult{Version: begin.Version, Committed: begin.Committed}
	if begin.Token == "" {
		if !begin.Committed {
			e.logger.Debug("pull found nothing to change", "origin", src.Domain(), "doc_id", docID)
		}
		return res, nil
	}

	for attempt := 1; attempt <= e.attempts; attempt++ {
		outstanding, err := e.sync.Outstanding(begin.Token)
		if err != nil {
			return res, err
		}
		if len(outstanding) == 0 {
			break
		}

		n, err := e.fetchRound(ctx, src, begin.Token, docID, outstanding)
		res.Fetched += n
		if err != nil {
			return res, err
		}
		if n > 0 {
			continue
		}

		e.logger.Warn("remote returned no entries",
			"origin", src.Domain(),
			"doc_id", docID,
			"attempt", attempt,
			"outstanding", len(outstanding),
		)
		if attempt < e.attempts {
			if err := e.sleep(ctx, e.delay*time.Duration(attempt)); err != nil {
				return res, err
			}
		}
	}

	tr, err := e.sync.Finish(ctx, begin.Token)
	if errors.Is(err, storage.ErrIncompleteUpload) {
		return res, fmt.Errorf("%w: %s cannot supply %d entries of %s", storage.ErrInconsistent, src.Domain(), len(tr.Outstanding), docID)
	}
	if err != nil {
		return res, err
	}

	res.Version = tr.Version
	res.Committed = tr.Committed
	e.logger.Info("document replicated",
		"origin", src.Domain(),
		"doc_id", docID,
		"version", tr.Version,
		"fetched", res.Fetched,
	)
	return res, nil
}

// fetchRound requests every outstanding entry; a transport failure aborts the pull
func (e *Engine) fetchRound(ctx context.Context, src Source, token, docID string, outstanding []models.Entry) (int, error) {
	stream, err := src.Entries(ctx, docID, outstanding)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	return e.sync.Receive(ctx, token, stream.Archive())
}

// provenance prepares a remote manifest for a local commit.
// Original update attributes are set once, on the first hop, and carried unchanged afterwards.
func provenance(remote *models.Manifest, domain string) *models.Manifest {
	m := remote.Clone()
	delete(m.Attributes, models.AttrCheckoutUser)
	delete(m.Attributes, models.AttrCheckoutTime)

	if m.Attr(models.AttrOrigUpdateDomain) == "" {
		m.SetAttr(models.AttrOrigUpdateUser, remote.Attr(models.AttrUpdateUser))
		m.SetAttr(models.AttrOrigUpdateTime, remote.Attr(models.AttrUpdateTime))
		m.SetAttr(models.AttrOrigUpdateDomain, domain)
	}
	return m
}

// Diff replays the remote's event log and schedules pulls for updates
// not superseded by a later local update.
func (e *Engine) Diff(domain string) error {
	return e.start(domain, "diff", func(ctx context.Context, src Source, log *updatelog.Log) error {
		evs, err := src.Events(ctx, "")
		if err != nil {
			return err
		}

		latest := make(map[string]models.Event)
		for _, ev := range evs {
			if ev.Type != models.EventUpdate {
				continue
			}
			if prev, ok := latest[ev.DocID]; !ok || ev.Time.After(prev.Time) {
				latest[ev.DocID] = ev
			}
		}
		log.Printf("%d events, %d updated documents", len(evs), len(latest))

		var errs *multierror.Error
		scheduled := 0
		for _, docID := range sortedIDs(latest) {
			if err := ctx.Err(); err != nil {
				log.Printf("cancelled")
				return err
			}

			ev := latest[docID]
			doc, err := e.store.Document(ctx, docID)
			if err == nil && !doc.UpdateTime.Before(ev.Time) {
				continue
			}
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				errs = multierror.Append(errs, err)
				continue
			}

			if err := e.SchedulePull(ctx, src, docID, ev.Version); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			scheduled++
		}

		log.Printf("%d pulls scheduled", scheduled)
		return errs.ErrorOrNil()
	})
}

// Sync compares document lists of both nodes. Documents missing locally or newer
// remotely are pulled; with deleteMissing, documents absent remotely are deleted.
func (e *Engine) Sync(domain string, deleteMissing bool) error {
	return e.start(domain, "sync", func(ctx context.Context, src Source, log *updatelog.Log) error {
		remote, err := src.List(ctx)
		if err != nil {
			return err
		}
		local, err := e.store.Stamps(ctx)
		if err != nil {
			return err
		}
		log.Printf("%d remote documents, %d local documents", len(remote), len(local))

		localIdx := make(map[string]time.Time, len(local))
		for _, s := range local {
			localIdx[s.DocID] = s.UpdateTime
		}

		var errs *multierror.Error
		pulls, deletes := 0, 0
		for _, s := range remote {
			if err := ctx.Err(); err != nil {
				log.Printf("cancelled")
				return err
			}

			updated, ok := localIdx[s.DocID]
			delete(localIdx, s.DocID)
			if ok && !s.UpdateTime.After(updated.Add(SkewTolerance)) {
				continue
			}
			if err := e.SchedulePull(ctx, src, s.DocID, -1); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			pulls++
		}

		if deleteMissing {
			for _, docID := range sortedIDs(localIdx) {
				if err := ctx.Err(); err != nil {
					log.Printf("cancelled")
					return err
				}
				if err := e.applyDelete(ctx, domain, docID); err != nil {
					errs = multierror.Append(errs, err)
					continue
				}
				deletes++
			}
		}

		log.Printf("%d pulls scheduled, %d documents deleted, %d only local", pulls, deletes, len(localIdx)-deletes)
		return errs.ErrorOrNil()
	})
}

// start runs an operator action in the background; only one runs per remote
func (e *Engine) start(domain, kind string, run func(ctx context.Context, src Source, log *updatelog.Log) error) error {
	src, ok := e.sources[domain]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRemote, domain)
	}

	e.mu.Lock()
	if op, busy := e.ops[domain]; busy {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s with %s", ErrBusy, op.kind, domain)
	}

	ctx, cancel := context.WithCancel(context.Background())
	op := &operation{
		kind:    kind,
		started: time.Now(),
		cancel:  cancel,
		log:     e.protocols.Start(ProtocolKey(domain)),
	}
	e.ops[domain] = op
	e.wg.Add(1)
	e.mu.Unlock()

	op.log.Printf("%s with %s started", kind, domain)
	e.logger.Info("replication operation started", "operation", kind, "remote", domain)

	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.ops, domain)
			e.mu.Unlock()
			op.log.Finish()
		}()

		if err := run(ctx, src, op.log); err != nil {
			op.log.Printf("error: %v", err)
			e.logger.Error("replication operation failed", "operation", kind, "remote", domain, "error", err)
			return
		}
		op.log.Printf("%s with %s finished", kind, domain)
		e.logger.Info("replication operation finished", "operation", kind, "remote", domain)
	}()

	return nil
}

// Cancel stops the running operation of a remote between units of work
func (e *Engine) Cancel(domain string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.ops[domain]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIdle, domain)
	}
	op.cancel()
	op.log.Printf("cancel requested")
	return nil
}

// Status reports the operation running for a remote
func (e *Engine) Status(domain string) (Status, error) {
	if _, ok := e.sources[domain]; !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownRemote, domain)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{Domain: domain, Pending: e.pool.Pending()}
	if op, ok := e.ops[domain]; ok {
		st.Operation = op.kind
		st.Started = op.started
	}
	return st, nil
}

// Wait cancels running operator actions and waits for them to stop
func (e *Engine) Wait() {
	e.mu.Lock()
	for _, op := range e.ops {
		op.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// ProtocolKey is the update log key of operator actions against domain
func ProtocolKey(domain string) string {
	return "replication:" + domain
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
