package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/wavekeeper/pkg/config"
	"github.com/ethpandaops/wavekeeper/pkg/events"
	"github.com/ethpandaops/wavekeeper/pkg/keylock"
	"github.com/ethpandaops/wavekeeper/pkg/useragent"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// InfoFileName is the per-session metadata file inside the results dir.
const InfoFileName = "info.json"

// minTokenFragment is the shortest fragment FindToken resolves.
const minTokenFragment = 8

// TestLoader resolves test selections into concrete test lists.
type TestLoader interface {
	GetTests(
		ctx context.Context,
		types []TestType,
		include, exclude, referenceTokens []string,
	) (TestList, error)
	TestFilesCount(tests TestList) map[string]int
	SkipTo(tests TestList, lastCompleted string) TestList
}

// EventDispatcher receives session notifications.
type EventDispatcher interface {
	Dispatch(token string, ev events.Event)
}

// Persister flushes everything buffered for a session to disk.
type Persister interface {
	PersistSession(ctx context.Context, token string) error
	// RecordedTests lists the tests of sess that already have a result.
	RecordedTests(ctx context.Context, sess *Session) (TestList, error)
}

// CreateOptions configure a new session. Zero values fall back to defaults.
type CreateOptions struct {
	Tests           *TestSelection
	Types           []TestType
	Timeouts        *Timeouts
	ReferenceTokens []string
	WebhookURLs     []string
	UserAgent       string
	Labels          []string
	ExpirationDate  *time.Time
}

// ConfigurationUpdate changes a pending session. Nil fields keep the
// session's current value.
type ConfigurationUpdate struct {
	Tests           *TestSelection
	Types           []TestType
	Timeouts        *TimeoutsUpdate
	ReferenceTokens []string
	WebhookURLs     []string
}

// TimeoutsUpdate carries optional per-type timeouts in milliseconds.
type TimeoutsUpdate struct {
	Automatic *int64 `json:"automatic,omitempty"`
	Manual    *int64 `json:"manual,omitempty"`
}

// Store is the in-memory session cache backed by the results directory.
type Store interface {
	Create(ctx context.Context, opts CreateOptions) (*Session, error)
	// Read returns a copy of the session, loading it from disk on a miss.
	Read(ctx context.Context, token string) (*Session, error)
	// Update overwrites the cached session. Callers read-modify-write
	// while holding Lock(token).
	Update(ctx context.Context, s *Session) error
	// Add caches a session built elsewhere, e.g. by an import.
	Add(ctx context.Context, s *Session) error
	// UpdateConfiguration reports false when the session is no longer
	// pending and nothing was changed.
	UpdateConfiguration(ctx context.Context, token string, upd ConfigurationUpdate) (bool, error)
	UpdateLabels(ctx context.Context, token string, labels []string) error
	// Delete removes the session from the cache. Files on disk are kept.
	Delete(ctx context.Context, token string) error
	FindToken(fragment string) (string, error)
	LoadAll(ctx context.Context) error
	PublicTokens(ctx context.Context) ([]string, error)
	// NextTest moves the next pending test of a running session into the
	// running set. It returns "" when nothing is left to run.
	NextTest(ctx context.Context, token string) (string, error)

	Start(ctx context.Context, token string) error
	Pause(ctx context.Context, token string) error
	Stop(ctx context.Context, token string) error
	Resume(ctx context.Context, token, resumeToken string) error
	Complete(ctx context.Context, token string) error
	// CompleteLocked is Complete for callers already holding Lock(token).
	CompleteLocked(ctx context.Context, token string) error

	// Lock serializes read-modify-write sequences on one session.
	Lock(token string) func()
	SetPersister(p Persister)
	// Close stops the expiration timer.
	Close()
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log        logrus.FieldLogger
	resultsDir string
	loader     TestLoader
	dispatcher EventDispatcher
	agents     useragent.Parser

	mu        sync.RWMutex
	sessions  map[string]*Session
	persister Persister
	locks     *keylock.Map
	loads     singleflight.Group

	timerMu sync.Mutex
	sweepMu sync.Mutex
	timer   *time.Timer
	closed  bool
}

// NewStore creates a session store rooted at the configured results dir.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.ResultsConfig,
	loader TestLoader,
	dispatcher EventDispatcher,
	agents useragent.Parser,
) Store {
	return &store{
		log:        log.WithField("component", "sessions"),
		resultsDir: cfg.Dir,
		loader:     loader,
		dispatcher: dispatcher,
		agents:     agents,
		sessions:   make(map[string]*Session, 64),
		locks:      keylock.New(),
	}
}

func (s *store) Lock(token string) func() {
	return s.locks.Lock(token)
}

func (s *store) SetPersister(p Persister) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.persister = p
}

func (s *store) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	tests := TestSelection{Include: []string{"/"}, Exclude: []string{}}
	if opts.Tests != nil {
		if len(opts.Tests.Include) > 0 {
			tests.Include = slices.Clone(opts.Tests.Include)
		}

		if opts.Tests.Exclude != nil {
			tests.Exclude = slices.Clone(opts.Tests.Exclude)
		}
	}

	timeouts := Timeouts{Automatic: DefaultAutomaticTimeout, Manual: DefaultManualTimeout}
	if opts.Timeouts != nil {
		if opts.Timeouts.Automatic > 0 {
			timeouts.Automatic = opts.Timeouts.Automatic
		}

		if opts.Timeouts.Manual > 0 {
			timeouts.Manual = opts.Timeouts.Manual
		}
	}

	types := opts.Types
	if len(types) == 0 {
		types = DefaultTypes()
	}

	token, err := uuid.NewUUID()
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}

	pending, err := s.loader.GetTests(ctx, types, tests.Include, tests.Exclude, opts.ReferenceTokens)
	if err != nil {
		return nil, fmt.Errorf("loading tests: %w", err)
	}

	sess := &Session{
		Token:           token.String(),
		Status:          StatusPending,
		Tests:           tests,
		Types:           slices.Clone(types),
		Timeouts:        timeouts,
		PendingTests:    pending,
		RunningTests:    TestList{},
		CompletedTests:  TestList{},
		TestState:       newTestState(s.loader.TestFilesCount(pending)),
		UserAgent:       opts.UserAgent,
		ReferenceTokens: nonNil(opts.ReferenceTokens),
		WebhookURLs:     nonNil(opts.WebhookURLs),
		Labels:          nonNil(opts.Labels),
		DateCreated:     time.Now().UTC(),
		ExpirationDate:  cloneTime(opts.ExpirationDate),
	}

	if s.agents != nil {
		sess.Browser = s.agents.Parse(opts.UserAgent)
	}

	s.put(sess)

	s.log.WithFields(logrus.Fields{
		"token": sess.Token,
		"tests": pending.Count(),
	}).Info("Session created")

	return sess.Clone(), nil
}

func (s *store) Read(ctx context.Context, token string) (*Session, error) {
	if sess := s.cached(token); sess != nil {
		return sess, nil
	}

	v, err, _ := s.loads.Do(token, func() (any, error) {
		if sess := s.cached(token); sess != nil {
			return sess, nil
		}

		sess, err := s.load(ctx, token)
		if err != nil {
			return nil, err
		}

		s.put(sess)

		return sess, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Session).Clone(), nil
}

func (s *store) Update(_ context.Context, sess *Session) error {
	if sess == nil || sess.Token == "" {
		return fmt.Errorf("updating session: %w", ErrInvalidData)
	}

	s.put(sess)

	return nil
}

func (s *store) Add(_ context.Context, sess *Session) error {
	if sess == nil || sess.Token == "" {
		return fmt.Errorf("adding session: %w", ErrInvalidData)
	}

	s.put(sess)

	return nil
}

func (s *store) UpdateConfiguration(
	ctx context.Context,
	token string,
	upd ConfigurationUpdate,
) (bool, error) {
	unlock := s.Lock(token)
	defer unlock()

	sess, err := s.Read(ctx, token)
	if err != nil {
		return false, err
	}

	if sess.Status != StatusPending {
		return false, nil
	}

	if upd.Tests != nil || upd.Types != nil || upd.ReferenceTokens != nil {
		tests := sess.Tests
		if upd.Tests != nil {
			if upd.Tests.Include != nil {
				tests.Include = slices.Clone(upd.Tests.Include)
			}

			if upd.Tests.Exclude != nil {
				tests.Exclude = slices.Clone(upd.Tests.Exclude)
			}
		}

		types := sess.Types
		if upd.Types != nil {
			types = slices.Clone(upd.Types)
		}

		refs := sess.ReferenceTokens
		if upd.ReferenceTokens != nil {
			refs = slices.Clone(upd.ReferenceTokens)
		}

		pending, err := s.loader.GetTests(ctx, types, tests.Include, tests.Exclude, refs)
		if err != nil {
			return false, fmt.Errorf("loading tests: %w", err)
		}

		sess.Tests = tests
		sess.Types = types
		sess.ReferenceTokens = refs
		sess.PendingTests = pending
		sess.TestState = newTestState(s.loader.TestFilesCount(pending))
	}

	if upd.Timeouts != nil {
		if upd.Timeouts.Automatic != nil {
			sess.Timeouts.Automatic = *upd.Timeouts.Automatic
		}

		if upd.Timeouts.Manual != nil {
			sess.Timeouts.Manual = *upd.Timeouts.Manual
		}
	}

	if upd.WebhookURLs != nil {
		sess.WebhookURLs = slices.Clone(upd.WebhookURLs)
	}

	s.put(sess)

	return true, nil
}

func (s *store) UpdateLabels(ctx context.Context, token string, labels []string) error {
	unlock := s.Lock(token)
	defer unlock()

	sess, err := s.Read(ctx, token)
	if err != nil {
		return err
	}

	if sess.IsPublic {
		return fmt.Errorf("updating labels of public session: %w", ErrPermissionDenied)
	}

	sess.Labels = nonNil(labels)
	s.put(sess)

	return nil
}

func (s *store) Delete(ctx context.Context, token string) error {
	unlock := s.Lock(token)
	defer unlock()

	return s.deleteLocked(ctx, token)
}

func (s *store) deleteLocked(ctx context.Context, token string) error {
	sess, err := s.Read(ctx, token)
	if err != nil {
		return err
	}

	if sess.IsPublic {
		return fmt.Errorf("deleting public session: %w", ErrPermissionDenied)
	}

	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()

	if sess.ExpirationDate != nil {
		s.rearm()
	}

	s.log.WithField("token", token).Debug("Session removed from cache")

	return nil
}

func (s *store) FindToken(fragment string) (string, error) {
	if len(fragment) < minTokenFragment {
		return "", fmt.Errorf("token fragment %q too short: %w", fragment, ErrNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var match string

	for token := range s.sessions {
		if !strings.HasPrefix(token, fragment) {
			continue
		}

		if match != "" {
			return "", fmt.Errorf("token fragment %q is ambiguous: %w", fragment, ErrNotFound)
		}

		match = token
	}

	if match == "" {
		return "", fmt.Errorf("token fragment %q: %w", fragment, ErrNotFound)
	}

	return match, nil
}

func (s *store) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(s.resultsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("reading results directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		if _, err := s.Read(ctx, entry.Name()); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}

			s.log.WithError(err).
				WithField("token", entry.Name()).
				Warn("Failed to load session")
		}
	}

	return nil
}

func (s *store) PublicTokens(ctx context.Context) ([]string, error) {
	if err := s.LoadAll(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]string, 0, 8)

	for token, sess := range s.sessions {
		if sess.IsPublic {
			tokens = append(tokens, token)
		}
	}

	sort.Strings(tokens)

	return tokens, nil
}

func (s *store) NextTest(ctx context.Context, token string) (string, error) {
	unlock := s.Lock(token)
	defer unlock()

	sess, err := s.Read(ctx, token)
	if err != nil {
		return "", err
	}

	if sess.Status != StatusRunning {
		return "", nil
	}

	order := sess.PendingTests.RunOrder()
	if len(order) == 0 {
		return "", nil
	}

	test := order[0]
	api := apiOf(sess.PendingTests, test)

	sess.PendingTests.Remove(api, test)
	sess.RunningTests.Add(api, test)
	s.put(sess)

	return test, nil
}

// apiOf returns the API a listed test is filed under.
func apiOf(l TestList, test string) string {
	for api, tests := range l {
		if slices.Contains(tests, test) {
			return api
		}
	}

	return APIName(test)
}

func (s *store) cached(token string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sess, ok := s.sessions[token]; ok {
		return sess.Clone()
	}

	return nil
}

func (s *store) put(sess *Session) {
	c := sess.Clone()
	normalize(c)

	s.mu.Lock()
	prev, existed := s.sessions[c.Token]
	s.sessions[c.Token] = c
	s.mu.Unlock()

	if c.ExpirationDate != nil || (existed && prev.ExpirationDate != nil) {
		s.rearm()
	}
}

// load reads info.json for token. Sessions that were still in progress get
// their pending tests recomputed and advanced past the last completed test.
func (s *store) load(ctx context.Context, token string) (*Session, error) {
	if !validToken(token) {
		return nil, fmt.Errorf("session %q: %w", token, ErrNotFound)
	}

	data, err := os.ReadFile(filepath.Join(s.resultsDir, token, InfoFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %q: %w", token, ErrNotFound)
		}

		return nil, fmt.Errorf("reading session info: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session info %s: %w", token, err)
	}

	if sess.Token == "" {
		sess.Token = token
	}

	normalize(&sess)

	if sess.Status.IsTerminal() {
		return &sess, nil
	}

	all, err := s.loader.GetTests(
		ctx, sess.Types, sess.Tests.Include, sess.Tests.Exclude, sess.ReferenceTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("loading tests for %s: %w", token, err)
	}

	p := s.getPersister()
	if p == nil {
		sess.PendingTests = s.loader.SkipTo(all, sess.LastCompletedTest)
	} else {
		// Recorded results win over last_completed_test: a test handed out
		// earlier that never reported back runs again.
		recorded, err := p.RecordedTests(ctx, &sess)
		if err != nil {
			return nil, fmt.Errorf("reading recorded tests for %s: %w", token, err)
		}

		sess.PendingTests, sess.CompletedTests = splitRecorded(all, recorded)
	}

	s.log.WithFields(logrus.Fields{
		"token":   token,
		"status":  sess.Status,
		"pending": sess.PendingTests.Count(),
	}).Debug("Session restored from disk")

	return &sess, nil
}

func (s *store) dispatch(token string, ev events.Event) {
	if s.dispatcher == nil {
		return
	}

	s.dispatcher.Dispatch(token, ev)
}

func (s *store) getPersister() Persister {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.persister
}

// splitRecorded partitions all into tests still to run and tests that
// already have a result, keeping the order of all.
func splitRecorded(all, recorded TestList) (pending, completed TestList) {
	done := make(map[string]struct{}, recorded.Count())
	for _, tests := range recorded {
		for _, test := range tests {
			done[test] = struct{}{}
		}
	}

	pending, completed = TestList{}, TestList{}

	for api, tests := range all {
		for _, test := range tests {
			if _, ok := done[test]; ok {
				completed.Add(api, test)
			} else {
				pending.Add(api, test)
			}
		}
	}

	return pending, completed
}

// validToken rejects values that would escape the results directory.
func validToken(token string) bool {
	return token != "" && token != "." && token != ".." &&
		!strings.ContainsAny(token, `/\`)
}

func normalize(sess *Session) {
	if sess.PendingTests == nil {
		sess.PendingTests = TestList{}
	}

	if sess.RunningTests == nil {
		sess.RunningTests = TestList{}
	}

	if sess.CompletedTests == nil {
		sess.CompletedTests = TestList{}
	}

	if sess.TestState == nil {
		sess.TestState = map[string]TestCounters{}
	}
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}

	return slices.Clone(v)
}
