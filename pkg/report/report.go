package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethpandaops/wavekeeper/pkg/fsutil"
	"github.com/ethpandaops/wavekeeper/pkg/results"
	"github.com/sirupsen/logrus"
)

// ReportFile is the per-API summary written next to the results files.
const ReportFile = "report.md"

// maxFailedRows caps the failed tests section of a summary.
const maxFailedRows = 200

// Compile-time interface checks.
var (
	_ results.ReportGenerator = (*Generator)(nil)
	_ results.ReportGenerator = (*Noop)(nil)
)

// Generator renders markdown summaries of per-API results files.
type Generator struct {
	log   logrus.FieldLogger
	owner *fsutil.OwnerConfig
}

// New creates a markdown report generator. Written files are chowned to
// owner when it is set.
func New(log logrus.FieldLogger, owner *fsutil.OwnerConfig) *Generator {
	return &Generator{
		log:   log.WithField("component", "report"),
		owner: owner,
	}
}

// resultsFile mirrors the on-disk results layout.
type resultsFile struct {
	Results []results.Result `json:"results"`
}

// browserSummary aggregates one results file.
type browserSummary struct {
	Name            string
	Tests           int
	Passed          int
	Failed          int
	SubtestsPassed  int
	SubtestsTotal   int
	FailedTestsList []results.Result
}

// Generate writes ReportFile into outputDir summarizing every results file
// in inputDir.
func (g *Generator) Generate(ctx context.Context, inputDir, outputDir, specName string) error {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return fmt.Errorf("reading results directory: %w", err)
	}

	summaries := make([]browserSummary, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		list, err := readResults(filepath.Join(inputDir, entry.Name()))
		if err != nil {
			return err
		}

		summaries = append(summaries, summarize(strings.TrimSuffix(entry.Name(), ".json"), list))
	}

	var sb strings.Builder

	sb.Grow(4096)

	fmt.Fprintf(&sb, "# %s\n\n", specName)
	writeOverview(&sb, summaries)

	for i := range summaries {
		writeFailedTests(&sb, &summaries[i])
	}

	path := filepath.Join(outputDir, ReportFile)
	if err := g.write(path, sb.String()); err != nil {
		return err
	}

	g.log.WithFields(logrus.Fields{
		"api":      specName,
		"browsers": len(summaries),
		"path":     path,
	}).Debug("Generated report")

	return nil
}

// GenerateMulti writes results.ComparisonReportFile into outputDir with one
// column per input session.
func (g *Generator) GenerateMulti(
	ctx context.Context,
	outputDir, specName string,
	inputs []results.ReportInput,
) error {
	byToken := make([]map[string]results.Result, len(inputs))
	tests := make(map[string]struct{}, 64)

	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}

		list, err := readResults(in.Path)
		if err != nil {
			return err
		}

		byToken[i] = make(map[string]results.Result, len(list))

		for _, r := range list {
			byToken[i][r.Test] = r
			tests[r.Test] = struct{}{}
		}
	}

	names := make([]string, 0, len(tests))
	for test := range tests {
		names = append(names, test)
	}

	sort.Strings(names)

	var sb strings.Builder

	sb.Grow(4096)

	fmt.Fprintf(&sb, "# %s comparison\n\n", specName)

	sb.WriteString("| Test |")

	for _, in := range inputs {
		fmt.Fprintf(&sb, " %s |", shortToken(in.Token))
	}

	sb.WriteString("\n|---|")
	sb.WriteString(strings.Repeat("---|", len(inputs)))
	sb.WriteByte('\n')

	for _, test := range names {
		fmt.Fprintf(&sb, "| `%s` |", test)

		for i := range inputs {
			r, ok := byToken[i][test]
			if !ok {
				sb.WriteString(" - |")

				continue
			}

			fmt.Fprintf(&sb, " %s |", formatCell(&r))
		}

		sb.WriteByte('\n')
	}

	path := filepath.Join(outputDir, results.ComparisonReportFile)
	if err := g.write(path, sb.String()); err != nil {
		return err
	}

	g.log.WithFields(logrus.Fields{
		"api":      specName,
		"sessions": len(inputs),
		"tests":    len(names),
	}).Debug("Generated comparison report")

	return nil
}

func (g *Generator) write(path, content string) error {
	if err := fsutil.WriteFileAtomic(path, []byte(content), 0o644, g.owner); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	return nil
}

func readResults(path string) ([]results.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading results: %w", err)
	}

	var f resultsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}

	return f.Results, nil
}

func summarize(name string, list []results.Result) browserSummary {
	s := browserSummary{Name: name, Tests: len(list)}

	for i := range list {
		r := &list[i]

		if r.Passed() {
			s.Passed++
		} else {
			s.Failed++
			s.FailedTestsList = append(s.FailedTestsList, *r)
		}

		for _, st := range r.Subtests {
			s.SubtestsTotal++

			if st.Status == results.SubtestPass {
				s.SubtestsPassed++
			}
		}
	}

	return s
}

func writeOverview(sb *strings.Builder, summaries []browserSummary) {
	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Browser | Tests | Passed | Failed | Subtests |\n")
	sb.WriteString("|---|---|---|---|---|\n")

	for _, s := range summaries {
		fmt.Fprintf(sb, "| %s | %d | %d | %d | %d/%d |\n",
			s.Name, s.Tests, s.Passed, s.Failed, s.SubtestsPassed, s.SubtestsTotal)
	}

	sb.WriteByte('\n')
}

func writeFailedTests(sb *strings.Builder, s *browserSummary) {
	if len(s.FailedTestsList) == 0 {
		return
	}

	fmt.Fprintf(sb, "## Failed Tests (%s)\n\n", s.Name)
	sb.WriteString("| Test | Status | Message |\n")
	sb.WriteString("|---|---|---|\n")

	for i, r := range s.FailedTestsList {
		if i == maxFailedRows {
			fmt.Fprintf(sb, "\n_%d more not shown_\n", len(s.FailedTestsList)-maxFailedRows)

			break
		}

		fmt.Fprintf(sb, "| `%s` | %s | %s |\n", r.Test, formatCell(&r), escapeCell(r.Message))
	}

	sb.WriteByte('\n')
}

// formatCell renders the harness status with the subtest pass ratio.
func formatCell(r *results.Result) string {
	if len(r.Subtests) == 0 {
		return string(r.Status)
	}

	passed := 0

	for _, st := range r.Subtests {
		if st.Status == results.SubtestPass {
			passed++
		}
	}

	return fmt.Sprintf("%s (%d/%d)", r.Status, passed, len(r.Subtests))
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)

	return strings.ReplaceAll(s, "\n", " ")
}

func shortToken(token string) string {
	if len(token) > 8 {
		return token[:8]
	}

	return token
}

// Noop logs report requests without rendering anything.
type Noop struct {
	log logrus.FieldLogger
}

// NewNoop creates a generator used when reports are disabled.
func NewNoop(log logrus.FieldLogger) *Noop {
	return &Noop{log: log.WithField("component", "report")}
}

func (n *Noop) Generate(_ context.Context, inputDir, _, specName string) error {
	n.log.WithField("api", specName).
		WithField("dir", inputDir).
		Debug("Report generation disabled")

	return nil
}

func (n *Noop) GenerateMulti(_ context.Context, outputDir, specName string, inputs []results.ReportInput) error {
	n.log.WithField("api", specName).
		WithField("dir", outputDir).
		WithField("sessions", len(inputs)).
		Debug("Report generation disabled")

	return nil
}
