package results

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/wavekeeper/pkg/fsutil"
	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/ethpandaops/wavekeeper/pkg/useragent"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// apiFile is the on-disk layout of one API's results.
type apiFile struct {
	Results []Result `json:"results"`
}

func (m *manager) sessionDir(token string) string {
	return filepath.Join(m.cfg.Dir, token)
}

// jsonPath returns <root>/<token>/<api>/<abbrev><major>.json for the
// session's browser.
func (m *manager) jsonPath(sess *session.Session, api string) string {
	browser := sess.Browser
	if browser.Name == "" && sess.UserAgent != "" {
		browser = m.agents.Parse(sess.UserAgent)
	}

	name := m.agents.Abbreviate(browser.Name) + useragent.MajorVersion(browser.Version) + ".json"

	return filepath.Join(m.sessionDir(sess.Token), api, name)
}

func readAPIFile(path string) ([]Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading results file: %w", err)
	}

	var f apiFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding results file %s: %w", path, err)
	}

	return f.Results, nil
}

func (m *manager) fileKey(token, api string) string {
	return token + "/" + api
}

// flushAPI appends the cached results of one API to its file and drops
// them from the cache. The cache is left untouched when writing fails.
func (m *manager) flushAPI(sess *session.Session, api string) error {
	unlock := m.files.Lock(m.fileKey(sess.Token, api))
	defer unlock()

	pending := m.cache.snapshot(sess.Token, api)
	if len(pending) == 0 {
		return nil
	}

	path := m.jsonPath(sess, api)

	existing, err := readAPIFile(path)
	if err != nil {
		return err
	}

	if err := fsutil.MkdirAll(m.sessionDir(sess.Token), dirPerm, m.owner); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	if err := fsutil.MkdirAll(filepath.Dir(path), dirPerm, m.owner); err != nil {
		return fmt.Errorf("creating api directory: %w", err)
	}

	merged := make([]Result, 0, len(existing)+len(pending))
	merged = append(merged, existing...)
	merged = append(merged, pending...)

	data, err := json.MarshalIndent(apiFile{Results: merged}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}

	if err := fsutil.WriteFileAtomic(path, data, filePerm, m.owner); err != nil {
		return fmt.Errorf("writing results file: %w", err)
	}

	m.cache.drop(sess.Token, api, len(pending))

	m.log.WithFields(logrus.Fields{
		"token":   sess.Token,
		"api":     api,
		"flushed": len(pending),
		"total":   len(merged),
	}).Debug("Flushed results")

	return nil
}

// flushAPIs flushes every cached API of the session concurrently.
func (m *manager) flushAPIs(ctx context.Context, sess *session.Session) error {
	g, _ := errgroup.WithContext(ctx)

	for _, api := range m.cache.apis(sess.Token) {
		g.Go(func() error {
			if err := m.flushAPI(sess, api); err != nil {
				return fmt.Errorf("flushing %s: %w", api, err)
			}

			return nil
		})
	}

	return g.Wait()
}

// writeInfo writes info.json, the session without its in-progress test
// sets, and refreshes the index.
func (m *manager) writeInfo(ctx context.Context, sess *session.Session) error {
	info := sess.Info()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session info: %w", err)
	}

	if err := fsutil.MkdirAll(m.sessionDir(sess.Token), dirPerm, m.owner); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	path := filepath.Join(m.sessionDir(sess.Token), session.InfoFileName)
	if err := fsutil.WriteFileAtomic(path, data, filePerm, m.owner); err != nil {
		return fmt.Errorf("writing session info: %w", err)
	}

	if m.indexer != nil {
		if err := m.indexer.IndexSession(ctx, info); err != nil {
			m.log.WithError(err).
				WithField("token", sess.Token).
				Warn("Failed to index session")
		}
	}

	return nil
}

// readMerged returns the persisted results of one API followed by the ones
// still cached.
func (m *manager) readMerged(sess *session.Session, api string) ([]Result, error) {
	unlock := m.files.Lock(m.fileKey(sess.Token, api))
	defer unlock()

	persisted, err := readAPIFile(m.jsonPath(sess, api))
	if err != nil {
		return nil, err
	}

	return append(persisted, m.cache.snapshot(sess.Token, api)...), nil
}

// RecordedTests lists the tests of sess with a result on disk or in the
// cache.
func (m *manager) RecordedTests(_ context.Context, sess *session.Session) (session.TestList, error) {
	persisted, err := m.persistedAPIs(sess.Token)
	if err != nil {
		return nil, err
	}

	apis := append(persisted, m.cache.apis(sess.Token)...)
	seen := make(map[string]struct{}, len(apis))
	recorded := session.TestList{}

	for _, api := range apis {
		if _, ok := seen[api]; ok {
			continue
		}

		seen[api] = struct{}{}

		list, err := m.readMerged(sess, api)
		if err != nil {
			return nil, err
		}

		for _, r := range list {
			recorded.Add(api, r.Test)
		}
	}

	return recorded, nil
}

// persistedAPIs lists the API directories of a session on disk.
func (m *manager) persistedAPIs(token string) ([]string, error) {
	entries, err := os.ReadDir(m.sessionDir(token))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading session directory: %w", err)
	}

	apis := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			apis = append(apis, entry.Name())
		}
	}

	return apis, nil
}
