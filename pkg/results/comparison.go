package results

import (
	"context"
	"crypto/sha1" //nolint:gosec // directory naming, not security
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ethpandaops/wavekeeper/pkg/fsutil"
	"github.com/ethpandaops/wavekeeper/pkg/session"
)

// ComparisonReportFile is the report a multi-session comparison writes.
const ComparisonReportFile = "all.md"

const (
	comparisonTokenPrefix = 8
	comparisonDigestLen   = 8
)

// ComparisonID derives the directory name of a multi-session comparison.
// The result does not depend on the order of either list.
func ComparisonID(tokens, refTokens []string) string {
	sortedTokens := slices.Clone(tokens)
	slices.Sort(sortedTokens)

	sortedRefs := slices.Clone(refTokens)
	slices.Sort(sortedRefs)

	var sb strings.Builder

	for _, token := range sortedTokens {
		sb.WriteString(token[:min(len(token), comparisonTokenPrefix)])
	}

	h := sha1.New() //nolint:gosec // see import

	for _, ref := range sortedRefs {
		h.Write([]byte(ref))
	}

	for _, token := range sortedTokens {
		h.Write([]byte(token))
	}

	sb.WriteString(hex.EncodeToString(h.Sum(nil))[:comparisonDigestLen])

	return sb.String()
}

func (m *manager) ComparisonReport(
	ctx context.Context,
	tokens, refTokens []string,
	api string,
) (string, error) {
	if len(tokens) == 0 {
		return "", fmt.Errorf("no sessions to compare: %w", session.ErrInvalidData)
	}

	if api == "" || !validToken(api) {
		return "", fmt.Errorf("api %q: %w", api, session.ErrInvalidData)
	}

	id := ComparisonID(tokens, refTokens)
	rel := filepath.ToSlash(filepath.Join(id, api, ComparisonReportFile))
	outDir := filepath.Join(m.cfg.Dir, id, api)

	if _, err := os.Stat(outDir); err == nil {
		return rel, nil
	}

	inputs := make([]ReportInput, 0, len(tokens))

	for _, token := range tokens {
		sess, err := m.sessions.Read(ctx, token)
		if err != nil {
			return "", fmt.Errorf("reading session %s: %w", token, err)
		}

		inputs = append(inputs, ReportInput{Token: token, Path: m.jsonPath(sess, api)})
	}

	if m.reports == nil || !m.cfg.ReportsEnabled {
		return "", fmt.Errorf("report generation is disabled: %w", session.ErrPermissionDenied)
	}

	if err := fsutil.MkdirAll(outDir, dirPerm, m.owner); err != nil {
		return "", fmt.Errorf("creating comparison directory: %w", err)
	}

	if err := m.reports.GenerateMulti(ctx, outDir, api, inputs); err != nil {
		_ = os.RemoveAll(outDir)

		return "", fmt.Errorf("generating comparison report: %w", err)
	}

	m.log.WithField("comparison", id).
		WithField("api", api).
		WithField("sessions", len(tokens)).
		Info("Generated comparison report")

	return rel, nil
}
