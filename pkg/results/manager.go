package results

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/ethpandaops/wavekeeper/pkg/config"
	"github.com/ethpandaops/wavekeeper/pkg/fsutil"
	"github.com/ethpandaops/wavekeeper/pkg/keylock"
	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/ethpandaops/wavekeeper/pkg/useragent"
	"github.com/sirupsen/logrus"
)

// ReportInput names one session's results file for a multi-session report.
type ReportInput struct {
	Token string `json:"token"`
	Path  string `json:"path"`
}

// ReportGenerator renders reports from per-API results files.
type ReportGenerator interface {
	Generate(ctx context.Context, inputDir, outputDir, specName string) error
	GenerateMulti(ctx context.Context, outputDir, specName string, inputs []ReportInput) error
}

// Indexer mirrors session metadata into a queryable index.
type Indexer interface {
	IndexSession(ctx context.Context, info *session.Session) error
	RemoveSession(ctx context.Context, token string) error
}

// CompletionHook runs after a session completed and its info was written.
type CompletionHook func(ctx context.Context, token, dir string) error

// Manager ingests results and owns their persistence.
type Manager interface {
	// Submit records one raw result. Results for unknown sessions or for
	// tests that are not running are ignored.
	Submit(ctx context.Context, token string, raw map[string]any) error
	// NextTest hands out the next test of a running session and arms its
	// timeout.
	NextTest(ctx context.Context, token string) (string, error)
	ReadResults(ctx context.Context, token, filterPath string) (map[string][]Result, error)
	ReadFlattenedResults(ctx context.Context, token string) (map[string]session.TestCounters, error)
	// PassedTests lists tests whose result and subtests all passed.
	PassedTests(ctx context.Context, token string) (session.TestList, error)
	PersistSession(ctx context.Context, token string) error
	DeleteResults(ctx context.Context, token string) error
	JSONPath(ctx context.Context, token, api string) (string, error)

	ExportAllAPIs(ctx context.Context, token string, w io.Writer) error
	ExportFull(ctx context.Context, token string, w io.Writer) error
	ExportOverview(ctx context.Context, token string, w io.Writer) error
	Import(ctx context.Context, r io.ReaderAt, size int64) (*session.Session, error)

	// ComparisonReport renders a multi-session report for one API once and
	// returns its path relative to the results directory.
	ComparisonReport(ctx context.Context, tokens, refTokens []string, api string) (string, error)

	// Stop cancels test timeouts and waits for completion hooks.
	Stop()
}

// Option customizes a Manager.
type Option func(*manager)

// WithIndexer mirrors every info.json write into ix.
func WithIndexer(ix Indexer) Option {
	return func(m *manager) {
		m.indexer = ix
	}
}

// WithCompletionHook runs h in the background whenever a session completes.
func WithCompletionHook(h CompletionHook) Option {
	return func(m *manager) {
		m.onComplete = h
	}
}

// WithMaxImportSize caps the total uncompressed size of an imported
// archive. Values <= 0 keep the default.
func WithMaxImportSize(n int64) Option {
	return func(m *manager) {
		if n > 0 {
			m.maxImport = n
		}
	}
}

// Compile-time interface checks.
var (
	_ Manager           = (*manager)(nil)
	_ session.Persister = (*manager)(nil)
)

type manager struct {
	log        logrus.FieldLogger
	cfg        *config.ResultsConfig
	owner      *fsutil.OwnerConfig
	sessions   session.Store
	reports    ReportGenerator
	agents     useragent.Parser
	indexer    Indexer
	onComplete CompletionHook
	maxImport  int64

	cache     *cache
	files     *keylock.Map
	watchdogs *watchdogs

	wg sync.WaitGroup
}

// NewManager creates a results manager and registers it as the store's
// persister.
func NewManager(
	log logrus.FieldLogger,
	cfg *config.ResultsConfig,
	sessions session.Store,
	reports ReportGenerator,
	agents useragent.Parser,
	opts ...Option,
) (Manager, error) {
	owner, err := fsutil.ParseOwner(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("parsing results owner: %w", err)
	}

	maxImport, err := units.FromHumanSize(config.DefaultMaxImportSize)
	if err != nil {
		return nil, fmt.Errorf("parsing default import size: %w", err)
	}

	m := &manager{
		log:       log.WithField("component", "results"),
		cfg:       cfg,
		owner:     owner,
		sessions:  sessions,
		reports:   reports,
		agents:    agents,
		maxImport: maxImport,
		cache:     newCache(),
		files:     keylock.New(),
	}

	m.watchdogs = newWatchdogs(m.log, m.timeoutTest)

	for _, opt := range opts {
		opt(m)
	}

	sessions.SetPersister(m)

	return m, nil
}

func (m *manager) flushThreshold() int {
	if m.cfg.FlushThreshold <= 0 {
		return config.DefaultFlushThreshold
	}

	return m.cfg.FlushThreshold
}

func (m *manager) Submit(ctx context.Context, token string, raw map[string]any) error {
	res, err := ParseResult(raw)
	if err != nil {
		return err
	}

	unlock := m.sessions.Lock(token)
	defer unlock()

	log := m.log.WithField("token", token).WithField("test", res.Test)

	sess, err := m.sessions.Read(ctx, token)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			log.Debug("Ignoring result for unknown session")

			return nil
		}

		return err
	}

	if !sess.TestInSession(res.Test) || !sess.IsTestRunning(res.Test) {
		log.Debug("Ignoring result for test that is not running")

		return nil
	}

	api := res.API()

	sess.RunningTests.Remove(api, res.Test)
	sess.CompletedTests.Add(api, res.Test)
	m.watchdogs.cancel(token, res.Test)

	m.cache.append(token, api, *res)

	counters := sess.TestState[api]
	res.Count(&counters)
	sess.TestState[api] = counters

	sess.LastCompletedTest = res.Test
	sess.RecentCompletedCount++

	if err := m.sessions.Update(ctx, sess); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	apiComplete := sess.IsAPIComplete(api)

	if sess.RecentCompletedCount >= m.flushThreshold() || apiComplete {
		if err := m.flushAPIs(ctx, sess); err != nil {
			return fmt.Errorf("flushing results: %w", err)
		}

		sess.RecentCompletedCount = 0

		if err := m.sessions.Update(ctx, sess); err != nil {
			return fmt.Errorf("updating session: %w", err)
		}

		if err := m.writeInfo(ctx, sess); err != nil {
			return err
		}
	}

	if !apiComplete {
		return nil
	}

	m.generateReport(ctx, sess, api)

	if !sess.AllAPIsComplete() {
		return nil
	}

	if err := m.sessions.CompleteLocked(ctx, token); err != nil {
		return fmt.Errorf("completing session: %w", err)
	}

	completed, err := m.sessions.Read(ctx, token)
	if err != nil {
		return fmt.Errorf("reading completed session: %w", err)
	}

	if err := m.writeInfo(ctx, completed); err != nil {
		return err
	}

	m.runCompletionHook(token)

	return nil
}

func (m *manager) generateReport(ctx context.Context, sess *session.Session, api string) {
	if m.reports == nil {
		return
	}

	dir := filepath.Dir(m.jsonPath(sess, api))

	if err := m.reports.Generate(ctx, dir, dir, api); err != nil {
		m.log.WithError(err).
			WithField("token", sess.Token).
			WithField("api", api).
			Warn("Failed to generate report")
	}
}

func (m *manager) runCompletionHook(token string) {
	if m.onComplete == nil {
		return
	}

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		if err := m.onComplete(context.Background(), token, m.sessionDir(token)); err != nil {
			m.log.WithError(err).
				WithField("token", token).
				Warn("Completion hook failed")
		}
	}()
}

func (m *manager) NextTest(ctx context.Context, token string) (string, error) {
	test, err := m.sessions.NextTest(ctx, token)
	if err != nil || test == "" {
		return test, err
	}

	sess, err := m.sessions.Read(ctx, token)
	if err != nil {
		return "", err
	}

	if timeout := sess.Timeouts.For(session.TypeOf(test)); timeout > 0 {
		m.watchdogs.arm(token, test, timeout+timeoutGrace)
	}

	return test, nil
}

// timeoutTest records a TIMEOUT for a test that never reported back.
func (m *manager) timeoutTest(token, test string) {
	err := m.Submit(context.Background(), token, map[string]any{
		"test":    test,
		"status":  string(StatusTimeout),
		"message": "Test timed out",
	})
	if err != nil {
		m.log.WithError(err).
			WithField("token", token).
			WithField("test", test).
			Warn("Failed to record test timeout")
	}
}

func (m *manager) ReadResults(
	ctx context.Context,
	token, filterPath string,
) (map[string][]Result, error) {
	sess, err := m.sessions.Read(ctx, token)
	if err != nil {
		return nil, err
	}

	persisted, err := m.persistedAPIs(token)
	if err != nil {
		return nil, err
	}

	apis := make(map[string]struct{}, len(persisted))
	for _, api := range persisted {
		apis[api] = struct{}{}
	}

	for _, api := range m.cache.apis(token) {
		apis[api] = struct{}{}
	}

	filterAPI := session.APIName(filterPath)
	prefix := strings.ReplaceAll(filterPath, ".", "")

	out := make(map[string][]Result, len(apis))

	for api := range apis {
		if filterAPI != "" && !strings.EqualFold(api, filterAPI) {
			continue
		}

		merged, err := m.readMerged(sess, api)
		if err != nil {
			return nil, err
		}

		for _, r := range merged {
			if filterPath != "" && !strings.HasPrefix(strings.ReplaceAll(r.Test, ".", ""), prefix) {
				continue
			}

			out[api] = append(out[api], r)
		}
	}

	return out, nil
}

func (m *manager) ReadFlattenedResults(
	ctx context.Context,
	token string,
) (map[string]session.TestCounters, error) {
	sess, err := m.sessions.Read(ctx, token)
	if err != nil {
		return nil, err
	}

	return sess.TestState, nil
}

func (m *manager) PassedTests(ctx context.Context, token string) (session.TestList, error) {
	results, err := m.ReadResults(ctx, token, "")
	if err != nil {
		return nil, err
	}

	passed := session.TestList{}

	for api, list := range results {
		for _, r := range list {
			if r.Passed() {
				passed.Add(api, r.Test)
			}
		}
	}

	return passed, nil
}

func (m *manager) PersistSession(ctx context.Context, token string) error {
	unlock := m.sessions.Lock(token)
	defer unlock()

	sess, err := m.sessions.Read(ctx, token)
	if err != nil {
		return err
	}

	if err := m.flushAPIs(ctx, sess); err != nil {
		return fmt.Errorf("flushing results: %w", err)
	}

	sess.RecentCompletedCount = 0

	if err := m.sessions.Update(ctx, sess); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	return m.writeInfo(ctx, sess)
}

func (m *manager) DeleteResults(ctx context.Context, token string) error {
	unlock := m.sessions.Lock(token)
	defer unlock()

	if !validToken(token) {
		return fmt.Errorf("session %q: %w", token, session.ErrNotFound)
	}

	m.cache.remove(token)

	dir := m.sessionDir(token)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing session results: %w", err)
	}

	if m.indexer != nil {
		if err := m.indexer.RemoveSession(ctx, token); err != nil {
			m.log.WithError(err).
				WithField("token", token).
				Warn("Failed to remove session from index")
		}
	}

	m.log.WithField("token", token).Info("Deleted session results")

	return nil
}

func (m *manager) JSONPath(ctx context.Context, token, api string) (string, error) {
	sess, err := m.sessions.Read(ctx, token)
	if err != nil {
		return "", err
	}

	return m.jsonPath(sess, api), nil
}

func (m *manager) Stop() {
	m.watchdogs.stop()
	m.wg.Wait()
}

func sortedKeys[V any](in map[string]V) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func validToken(token string) bool {
	return token != "" && token != "." && token != ".." &&
		!strings.ContainsAny(token, `/\`)
}
