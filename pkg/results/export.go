package results

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/ethpandaops/wavekeeper/pkg/fsutil"
	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/sirupsen/logrus"
)

const (
	overviewResultsFile = "results.json.js"
	overviewDetailsFile = "details.json.js"
)

// countingWriter tracks how many bytes an export produced.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)

	return n, err
}

// ExportAllAPIs writes a zip holding every API's merged results file.
func (m *manager) ExportAllAPIs(ctx context.Context, token string, w io.Writer) error {
	sess, err := m.sessions.Read(ctx, token)
	if err != nil {
		return err
	}

	results, err := m.ReadResults(ctx, token, "")
	if err != nil {
		return err
	}

	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)

	for _, api := range sortedKeys(results) {
		data, err := json.MarshalIndent(apiFile{Results: results[api]}, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding %s results: %w", api, err)
		}

		name := api + "/" + filepath.Base(m.jsonPath(sess, api))
		if err := writeZipEntry(zw, name, data); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}

	m.logExport(token, "apis", cw.n)

	return nil
}

// ExportFull archives the session directory verbatim. Only completed
// sessions can be exported this way.
func (m *manager) ExportFull(ctx context.Context, token string, w io.Writer) error {
	sess, err := m.sessions.Read(ctx, token)
	if err != nil {
		return err
	}

	if sess.Status != session.StatusCompleted {
		return fmt.Errorf("exporting %s session: %w", sess.Status, session.ErrPermissionDenied)
	}

	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)

	if err := addDir(zw, m.sessionDir(token)); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}

	m.logExport(token, "full", cw.n)

	return nil
}

// ExportOverview writes a zip with script-embeddable summaries of the
// session next to the report viewer assets.
func (m *manager) ExportOverview(ctx context.Context, token string, w io.Writer) error {
	sess, err := m.sessions.Read(ctx, token)
	if err != nil {
		return err
	}

	flattened, err := json.MarshalIndent(sess.TestState, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding results summary: %w", err)
	}

	details, err := json.MarshalIndent(sess.Info(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session details: %w", err)
	}

	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)

	if err := writeZipEntry(zw, overviewResultsFile, append([]byte("const results = "), flattened...)); err != nil {
		return err
	}

	if err := writeZipEntry(zw, overviewDetailsFile, append([]byte("const details = "), details...)); err != nil {
		return err
	}

	if m.cfg.ExportTemplateDir != "" {
		if err := addDir(zw, m.cfg.ExportTemplateDir); err != nil {
			return fmt.Errorf("adding report viewer: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}

	m.logExport(token, "overview", cw.n)

	return nil
}

// Import extracts an archive produced by ExportFull into a new session
// directory and caches the session.
func (m *manager) Import(ctx context.Context, r io.ReaderAt, size int64) (*session.Session, error) {
	if !m.cfg.ImportEnabled {
		return nil, fmt.Errorf("importing sessions is disabled: %w", session.ErrPermissionDenied)
	}

	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w: %w", session.ErrInvalidData, err)
	}

	var info *zip.File

	for _, f := range zr.File {
		if !safeEntryName(f.Name) {
			return nil, fmt.Errorf("archive entry %q escapes the session directory: %w",
				f.Name, session.ErrInvalidData)
		}

		if path.Clean(f.Name) == session.InfoFileName {
			info = f
		}
	}

	if info == nil {
		return nil, fmt.Errorf("archive has no %s: %w", session.InfoFileName, session.ErrInvalidData)
	}

	budget := m.maxImport

	data, err := readZipEntry(info, &budget)
	if err != nil {
		return nil, err
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding %s: %w: %w", session.InfoFileName, session.ErrInvalidData, err)
	}

	if !validToken(sess.Token) {
		return nil, fmt.Errorf("archive session token %q: %w", sess.Token, session.ErrInvalidData)
	}

	unlock := m.sessions.Lock(sess.Token)
	defer unlock()

	if _, err := m.sessions.Read(ctx, sess.Token); err == nil {
		return nil, fmt.Errorf("session %s: %w", sess.Token, session.ErrDuplicate)
	} else if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	dir := m.sessionDir(sess.Token)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("session directory %s: %w", sess.Token, session.ErrDuplicate)
	}

	// info.json is extracted again below.
	budget = m.maxImport

	if err := m.extract(zr, dir, &budget); err != nil {
		_ = os.RemoveAll(dir)

		return nil, err
	}

	if err := m.sessions.Add(ctx, &sess); err != nil {
		return nil, fmt.Errorf("caching imported session: %w", err)
	}

	if m.indexer != nil {
		if err := m.indexer.IndexSession(ctx, sess.Info()); err != nil {
			m.log.WithError(err).
				WithField("token", sess.Token).
				Warn("Failed to index imported session")
		}
	}

	m.log.WithFields(logrus.Fields{
		"token": sess.Token,
		"files": len(zr.File),
		"size":  units.HumanSize(float64(size)),
	}).Info("Imported session")

	return &sess, nil
}

func (m *manager) extract(zr *zip.Reader, dir string, budget *int64) error {
	if err := fsutil.MkdirAll(dir, dirPerm, m.owner); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	for _, f := range zr.File {
		target := filepath.Join(dir, filepath.FromSlash(path.Clean(f.Name)))

		if f.FileInfo().IsDir() {
			if err := fsutil.MkdirAll(target, dirPerm, m.owner); err != nil {
				return fmt.Errorf("creating %s: %w", f.Name, err)
			}

			continue
		}

		if err := fsutil.MkdirAll(filepath.Dir(target), dirPerm, m.owner); err != nil {
			return fmt.Errorf("creating directory for %s: %w", f.Name, err)
		}

		data, err := readZipEntry(f, budget)
		if err != nil {
			return err
		}

		if err := fsutil.WriteFileAtomic(target, data, filePerm, m.owner); err != nil {
			return fmt.Errorf("writing %s: %w", f.Name, err)
		}
	}

	return nil
}

func (m *manager) logExport(token, kind string, size int64) {
	m.log.WithFields(logrus.Fields{
		"token": token,
		"kind":  kind,
		"size":  units.HumanSize(float64(size)),
	}).Info("Exported session")
}

// safeEntryName rejects absolute paths and paths leaving the archive root.
func safeEntryName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return false
	}

	cleaned := path.Clean(name)

	return cleaned != ".." && !strings.HasPrefix(cleaned, "../")
}

func writeZipEntry(zw *zip.Writer, name string, data []byte) error {
	fw, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("adding %s to archive: %w", name, err)
	}

	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("writing %s to archive: %w", name, err)
	}

	return nil
}

// readZipEntry decompresses f, charging its size against budget. Entries
// that would exceed the remaining budget are rejected whatever their
// header claims.
func readZipEntry(f *zip.File, budget *int64) ([]byte, error) {
	if f.UncompressedSize64 > uint64(*budget) {
		return nil, errTooLarge(f.Name)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w: %w", f.Name, session.ErrInvalidData, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, *budget+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w: %w", f.Name, session.ErrInvalidData, err)
	}

	if int64(len(data)) > *budget {
		return nil, errTooLarge(f.Name)
	}

	*budget -= int64(len(data))

	return data, nil
}

func errTooLarge(name string) error {
	return fmt.Errorf("archive entry %s exceeds the import size limit: %w", name, session.ErrInvalidData)
}

// addDir adds every regular file below root using slash separated paths
// relative to root.
func addDir(zw *zip.Writer, root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}

		return writeZipEntry(zw, filepath.ToSlash(rel), data)
	})
}
