package api

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// localFileServer serves generated reports from the results directory.
// Request paths are resolved relative to root.
type localFileServer struct {
	log  logrus.FieldLogger
	root string
}

func newLocalFileServer(log logrus.FieldLogger, root string) *localFileServer {
	return &localFileServer{
		log:  log.WithField("component", "report-files"),
		root: filepath.Clean(root),
	}
}

// ServeFile serves filePath from under root. Only markdown and JSON files
// are exposed.
func (l *localFileServer) ServeFile(
	w http.ResponseWriter,
	r *http.Request,
	filePath string,
) error {
	if !l.isAllowedPath(filePath) {
		return fmt.Errorf("path %q is not allowed", filePath)
	}

	full := filepath.Join(l.root, filepath.FromSlash(filePath))

	// The resolved path must stay under root.
	if !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes the results directory", filePath)
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return fmt.Errorf("file %q not found", filePath)
	}

	if filepath.Ext(full) == ".md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	}

	l.log.WithField("path", filePath).Debug("Serving report file")

	http.ServeFile(w, r, full)

	return nil
}

// isAllowedPath rejects empty, absolute, unclean, traversal and
// non-report request paths.
func (l *localFileServer) isAllowedPath(filePath string) bool {
	if filePath == "" {
		return false
	}

	if strings.Contains(filePath, "..") {
		return false
	}

	if strings.HasPrefix(filePath, "/") || filepath.IsAbs(filePath) {
		return false
	}

	if path.Clean(filePath) != filePath {
		return false
	}

	switch path.Ext(filePath) {
	case ".md", ".json":
		return true
	default:
		return false
	}
}
