package indexstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// defaultConcurrency is the number of sessions read in parallel when
// no explicit concurrency value is configured.
const defaultConcurrency = 4

// Reconciler periodically brings the index in line with the results
// directory. Sessions whose info.json is newer than their index row are
// reindexed and rows whose session directory is gone are removed.
type Reconciler interface {
	Start(ctx context.Context) error
	Stop() error
	// RunOnce performs a single synchronous pass.
	RunOnce(ctx context.Context) error
}

// Compile-time interface check.
var _ Reconciler = (*reconciler)(nil)

type reconciler struct {
	log         logrus.FieldLogger
	store       Store
	resultsDir  string
	interval    time.Duration
	concurrency int
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	dbMu        sync.Mutex // serializes DB writes to avoid SQLite contention
}

// NewReconciler creates a reconciler for the sessions under resultsDir.
func NewReconciler(
	log logrus.FieldLogger,
	store Store,
	resultsDir string,
	interval time.Duration,
	concurrency int,
) Reconciler {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &reconciler{
		log:         log.WithField("component", "index-reconciler"),
		store:       store,
		resultsDir:  resultsDir,
		interval:    interval,
		concurrency: concurrency,
		done:        make(chan struct{}),
	}
}

// Start runs one pass in the background and then one per interval.
func (r *reconciler) Start(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("invalid reconcile interval %s", r.interval)
	}

	r.log.WithFields(logrus.Fields{
		"interval":    r.interval.String(),
		"concurrency": r.concurrency,
	}).Info("Starting index reconciler")

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		r.runPass(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.runPass(ctx)
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the background goroutine and waits for it.
func (r *reconciler) Stop() error {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()

	r.log.Info("Index reconciler stopped")

	return nil
}

func (r *reconciler) RunOnce(ctx context.Context) error {
	return r.reconcile(ctx)
}

func (r *reconciler) runPass(ctx context.Context) {
	start := time.Now()

	if err := r.reconcile(ctx); err != nil {
		r.log.WithError(err).Warn("Index reconcile pass failed")

		return
	}

	r.log.WithField("duration", time.Since(start).Round(time.Millisecond)).
		Debug("Index reconcile pass completed")
}

type reconcileTask struct {
	token   string
	reindex bool
}

func (r *reconciler) reconcile(ctx context.Context) error {
	entries, err := os.ReadDir(r.resultsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			entries = nil
		} else {
			return fmt.Errorf("reading results dir: %w", err)
		}
	}

	indexed, err := r.store.IndexedTokens(ctx)
	if err != nil {
		return err
	}

	onDisk := make(map[string]struct{}, len(entries))

	var tasks []reconcileTask

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		token := e.Name()

		fi, err := os.Stat(filepath.Join(r.resultsDir, token, session.InfoFileName))
		if err != nil {
			continue
		}

		onDisk[token] = struct{}{}

		indexedAt, ok := indexed[token]
		if ok && !fi.ModTime().After(indexedAt) {
			continue
		}

		tasks = append(tasks, reconcileTask{token: token, reindex: ok})
	}

	var removed int

	for token := range indexed {
		if _, ok := onDisk[token]; ok {
			continue
		}

		r.dbMu.Lock()
		err := r.store.DeleteSession(ctx, token)
		r.dbMu.Unlock()

		if err != nil {
			r.log.WithError(err).WithField("token", token).
				Warn("Failed to drop stale index entry")

			continue
		}

		removed++
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	var updated atomic.Int64

	for _, task := range tasks {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-r.done:
				return nil
			default:
			}

			if err := r.indexSession(gCtx, task.token); err != nil {
				r.log.WithError(err).WithField("token", task.token).
					Warn("Failed to index session")

				return nil //nolint:nilerr // log and continue
			}

			updated.Add(1)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("indexing sessions: %w", err)
	}

	if n := updated.Load(); n > 0 || removed > 0 {
		r.log.WithFields(logrus.Fields{
			"indexed": n,
			"removed": removed,
		}).Info("Index reconciled")
	}

	return nil
}

func (r *reconciler) indexSession(ctx context.Context, token string) error {
	data, err := os.ReadFile(filepath.Join(r.resultsDir, token, session.InfoFileName))
	if err != nil {
		return fmt.Errorf("reading session info: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return fmt.Errorf("decoding session info: %w", err)
	}

	if sess.Token == "" {
		sess.Token = token
	}

	r.dbMu.Lock()
	defer r.dbMu.Unlock()

	return r.store.UpsertSession(ctx, RecordFromSession(&sess), sess.Labels)
}
