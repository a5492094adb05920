package session

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethpandaops/wavekeeper/pkg/config"
	"github.com/ethpandaops/wavekeeper/pkg/events"
	"github.com/ethpandaops/wavekeeper/pkg/useragent"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// staticLoader serves a fixed test list filtered by include prefixes.
type staticLoader struct {
	tests TestList
	calls atomic.Int32
}

func (l *staticLoader) GetTests(
	_ context.Context,
	types []TestType,
	include, exclude, _ []string,
) (TestList, error) {
	l.calls.Add(1)

	out := TestList{}

	for _, api := range l.tests.APIs() {
		for _, test := range l.tests[api] {
			if !hasPrefix(test, include) || hasPrefix(test, exclude) {
				continue
			}

			if !containsType(types, TypeOf(test)) {
				continue
			}

			out.Add(api, test)
		}
	}

	return out, nil
}

func (l *staticLoader) TestFilesCount(tests TestList) map[string]int {
	counts := make(map[string]int, len(tests))
	for api, list := range tests {
		counts[api] = len(list)
	}

	return counts
}

func (l *staticLoader) SkipTo(tests TestList, last string) TestList {
	order := tests.RunOrder()

	idx := slices.Index(order, last)
	if last == "" || idx < 0 {
		return tests
	}

	out := TestList{}

	for api, list := range tests {
		for _, test := range list {
			if !slices.Contains(order[:idx+1], test) {
				out.Add(api, test)
			}
		}
	}

	return out
}

func hasPrefix(test string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(test, p) {
			return true
		}
	}

	return false
}

func containsType(types []TestType, t TestType) bool {
	for _, tt := range types {
		if tt == t {
			return true
		}
	}

	return false
}

type recordedEvent struct {
	token string
	ev    events.Event
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (d *recordingDispatcher) Dispatch(token string, ev events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.events = append(d.events, recordedEvent{token: token, ev: ev})
}

func (d *recordingDispatcher) all() []recordedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]recordedEvent, len(d.events))
	copy(out, d.events)

	return out
}

type countingPersister struct {
	calls    atomic.Int32
	recorded TestList
}

func (p *countingPersister) PersistSession(context.Context, string) error {
	p.calls.Add(1)

	return nil
}

func (p *countingPersister) RecordedTests(context.Context, *Session) (TestList, error) {
	return p.recorded.Clone(), nil
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func defaultTests() TestList {
	return TestList{
		"dom": {
			"/dom/nodes/append.html",
			"/dom/nodes/remove.https.html",
			"/dom/events/click-manual.html",
		},
		"Fetch": {
			"/Fetch/api/basic.html",
		},
	}
}

type testEnv struct {
	store      Store
	loader     *staticLoader
	dispatcher *recordingDispatcher
	dir        string
}

func setupStore(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		loader:     &staticLoader{tests: defaultTests()},
		dispatcher: &recordingDispatcher{},
		dir:        t.TempDir(),
	}

	env.store = NewStore(
		testLogger(),
		&config.ResultsConfig{Dir: env.dir},
		env.loader,
		env.dispatcher,
		useragent.NewParser(),
	)

	t.Cleanup(env.store.Close)

	return env
}

func writeInfo(t *testing.T, dir string, sess *Session) {
	t.Helper()

	data, err := json.MarshalIndent(sess.Info(), "", "  ")
	require.NoError(t, err)

	sessDir := filepath.Join(dir, sess.Token)
	require.NoError(t, os.MkdirAll(sessDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessDir, InfoFileName), data, 0o644))
}
