package testloader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/ethpandaops/wavekeeper/pkg/config"
	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// testExtensions are the file types that count as runnable tests.
var testExtensions = []string{".html", ".htm", ".xhtml", ".xht", ".svg"}

// skippedDirs never contain tests, only fixtures.
var skippedDirs = []string{"resources", "support", "tools", "common"}

// ReferenceResults resolves the tests a finished session passed.
type ReferenceResults interface {
	PassedTests(ctx context.Context, token string) (session.TestList, error)
}

// Loader discovers tests below a directory and resolves session test
// selections against them.
type Loader interface {
	session.TestLoader
	// Load walks the tests directory, replacing any previous discovery.
	Load(ctx context.Context) error
	// SetReferenceResults wires the source of reference session results.
	SetReferenceResults(r ReferenceResults)
	// All returns every discovered test.
	All(ctx context.Context) (session.TestList, error)
}

// Compile-time interface check.
var _ Loader = (*loader)(nil)

type loader struct {
	log logrus.FieldLogger
	dir string

	mu    sync.RWMutex
	tests session.TestList
	refs  ReferenceResults
	loads singleflight.Group
}

// New creates a loader for the configured tests directory. Tests are
// discovered lazily on first use unless Load is called.
func New(log logrus.FieldLogger, cfg *config.TestsConfig) Loader {
	return &loader{
		log: log.WithField("component", "testloader"),
		dir: cfg.Dir,
	}
}

func (l *loader) SetReferenceResults(r ReferenceResults) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refs = r
}

func (l *loader) Load(_ context.Context) error {
	_, err, _ := l.loads.Do("load", func() (any, error) {
		tests, err := discover(l.dir)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.tests = tests
		l.mu.Unlock()

		l.log.WithFields(logrus.Fields{
			"dir":   l.dir,
			"apis":  len(tests),
			"tests": tests.Count(),
		}).Info("Discovered tests")

		return nil, nil
	})

	return err
}

func (l *loader) All(ctx context.Context) (session.TestList, error) {
	l.mu.RLock()
	tests := l.tests
	l.mu.RUnlock()

	if tests != nil {
		return tests.Clone(), nil
	}

	if err := l.Load(ctx); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.tests.Clone(), nil
}

func (l *loader) GetTests(
	ctx context.Context,
	types []session.TestType,
	include, exclude, referenceTokens []string,
) (session.TestList, error) {
	all, err := l.All(ctx)
	if err != nil {
		return nil, err
	}

	var reference session.TestList

	if len(referenceTokens) > 0 {
		reference, err = l.referencePassed(ctx, referenceTokens)
		if err != nil {
			return nil, err
		}
	}

	out := session.TestList{}

	for _, api := range all.APIs() {
		for _, test := range all[api] {
			if !matchesPrefix(test, include) || matchesPrefix(test, exclude) {
				continue
			}

			if !slices.Contains(types, session.TypeOf(test)) {
				continue
			}

			if reference != nil && !reference.Contains(test) {
				continue
			}

			out.Add(api, test)
		}
	}

	return out, nil
}

// referencePassed returns the tests every reference session passed.
func (l *loader) referencePassed(ctx context.Context, tokens []string) (session.TestList, error) {
	l.mu.RLock()
	refs := l.refs
	l.mu.RUnlock()

	if refs == nil {
		return nil, fmt.Errorf("reference sessions are not available: %w", session.ErrInvalidData)
	}

	passed := make([]session.TestList, len(tokens))

	g, gctx := errgroup.WithContext(ctx)

	for i, token := range tokens {
		g.Go(func() error {
			list, err := refs.PassedTests(gctx, token)
			if err != nil {
				return fmt.Errorf("reading reference session %s: %w", token, err)
			}

			passed[i] = list

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := passed[0].Clone()
	if out == nil {
		out = session.TestList{}
	}

	for _, other := range passed[1:] {
		for api, list := range out {
			for _, test := range list {
				if !other.Contains(test) {
					out.Remove(api, test)
				}
			}
		}
	}

	return out, nil
}

func (l *loader) TestFilesCount(tests session.TestList) map[string]int {
	counts := make(map[string]int, len(tests))
	for api, list := range tests {
		counts[api] = len(list)
	}

	return counts
}

// SkipTo drops every test handed out up to and including lastCompleted,
// following TestList.RunOrder. The list is returned unchanged when
// lastCompleted is not part of it.
func (l *loader) SkipTo(tests session.TestList, lastCompleted string) session.TestList {
	if lastCompleted == "" {
		return tests
	}

	order := tests.RunOrder()

	idx := slices.Index(order, lastCompleted)
	if idx < 0 {
		return tests
	}

	done := make(map[string]struct{}, idx+1)
	for _, test := range order[:idx+1] {
		done[test] = struct{}{}
	}

	out := session.TestList{}

	for api, list := range tests {
		for _, test := range list {
			if _, ok := done[test]; !ok {
				out.Add(api, test)
			}
		}
	}

	return out
}

// discover walks dir and groups test files by their top level directory.
func discover(dir string) (session.TestList, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("tests directory %q: %w", dir, err)
	}

	tests := session.TestList{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		name := d.Name()

		if d.IsDir() {
			if path != dir && (strings.HasPrefix(name, ".") || slices.Contains(skippedDirs, name)) {
				return filepath.SkipDir
			}

			return nil
		}

		if !isTestFile(name) {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		test := "/" + filepath.ToSlash(rel)

		api := session.APIName(test)
		if api == "" || !strings.Contains(strings.TrimPrefix(test, "/"), "/") {
			return nil
		}

		tests.Add(api, test)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking tests directory: %w", err)
	}

	for api := range tests {
		slices.Sort(tests[api])
	}

	return tests, nil
}

func isTestFile(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
		return false
	}

	ext := filepath.Ext(name)
	if !slices.Contains(testExtensions, ext) {
		return false
	}

	stem := strings.TrimSuffix(name, ext)

	return !strings.HasSuffix(stem, "-ref") && !strings.HasSuffix(stem, "-notref")
}

func matchesPrefix(test string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(test, p) {
			return true
		}
	}

	return false
}
