package session

import (
	"slices"
	"strings"
	"time"

	"github.com/ethpandaops/wavekeeper/pkg/useragent"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusAborted   Status = "aborted"
	StatusCompleted Status = "completed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusAborted || s == StatusCompleted
}

// TestType distinguishes tests a harness runs on its own from tests that
// need a human.
type TestType string

const (
	TypeAutomatic TestType = "automatic"
	TypeManual    TestType = "manual"
)

// Default session settings.
const (
	DefaultAutomaticTimeout = 60000
	DefaultManualTimeout    = 300000
)

// DefaultTypes returns the test types selected when none are given.
func DefaultTypes() []TestType {
	return []TestType{TypeAutomatic, TypeManual}
}

// TypeOf classifies a test by its path.
func TypeOf(test string) TestType {
	if strings.Contains(test, "manual") {
		return TypeManual
	}

	return TypeAutomatic
}

// TestSelection holds include and exclude path patterns.
type TestSelection struct {
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
}

// Timeouts are per test type, in milliseconds.
type Timeouts struct {
	Automatic int64 `json:"automatic"`
	Manual    int64 `json:"manual"`
}

// For returns the timeout for tests of type t.
func (t Timeouts) For(tt TestType) time.Duration {
	if tt == TypeManual {
		return time.Duration(t.Manual) * time.Millisecond
	}

	return time.Duration(t.Automatic) * time.Millisecond
}

// TestCounters summarize the results of one API.
type TestCounters struct {
	Pass     int `json:"pass"`
	Fail     int `json:"fail"`
	Timeout  int `json:"timeout"`
	NotRun   int `json:"not_run"`
	Total    int `json:"total"`
	Complete int `json:"complete"`
}

// Session is a run of a selected test suite against one client.
type Session struct {
	Token  string `json:"token"`
	Status Status `json:"status"`

	Tests    TestSelection `json:"tests"`
	Types    []TestType    `json:"types"`
	Timeouts Timeouts      `json:"timeouts"`

	PendingTests   TestList `json:"pending_tests,omitempty"`
	RunningTests   TestList `json:"running_tests,omitempty"`
	CompletedTests TestList `json:"completed_tests,omitempty"`

	TestState            map[string]TestCounters `json:"test_state"`
	LastCompletedTest    string                  `json:"last_completed_test,omitempty"`
	RecentCompletedCount int                     `json:"recent_completed_count"`

	UserAgent string            `json:"user_agent"`
	Browser   useragent.Browser `json:"browser"`

	ReferenceTokens []string `json:"reference_tokens"`
	WebhookURLs     []string `json:"webhook_urls"`
	Labels          []string `json:"labels"`
	IsPublic        bool     `json:"is_public"`

	DateCreated    time.Time  `json:"date_created"`
	DateStarted    *time.Time `json:"date_started,omitempty"`
	DateFinished   *time.Time `json:"date_finished,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}

	c := *s
	c.Tests = TestSelection{
		Include: slices.Clone(s.Tests.Include),
		Exclude: slices.Clone(s.Tests.Exclude),
	}
	c.Types = slices.Clone(s.Types)
	c.PendingTests = s.PendingTests.Clone()
	c.RunningTests = s.RunningTests.Clone()
	c.CompletedTests = s.CompletedTests.Clone()
	c.ReferenceTokens = slices.Clone(s.ReferenceTokens)
	c.WebhookURLs = slices.Clone(s.WebhookURLs)
	c.Labels = slices.Clone(s.Labels)
	c.DateStarted = cloneTime(s.DateStarted)
	c.DateFinished = cloneTime(s.DateFinished)
	c.ExpirationDate = cloneTime(s.ExpirationDate)

	if s.TestState != nil {
		c.TestState = make(map[string]TestCounters, len(s.TestState))
		for api, counters := range s.TestState {
			c.TestState[api] = counters
		}
	}

	return &c
}

// Info returns the durable form of the session, without the in-progress
// test sets.
func (s *Session) Info() *Session {
	info := s.Clone()
	info.PendingTests = nil
	info.RunningTests = nil
	info.CompletedTests = nil

	return info
}

// TestInSession reports whether test is still pending or running.
func (s *Session) TestInSession(test string) bool {
	return s.PendingTests.Contains(test) || s.RunningTests.Contains(test)
}

// IsTestComplete reports whether test is neither pending nor running.
func (s *Session) IsTestComplete(test string) bool {
	return !s.TestInSession(test)
}

// IsTestRunning reports whether test is in the running set.
func (s *Session) IsTestRunning(test string) bool {
	return s.RunningTests.Contains(test)
}

// IsAPIComplete reports whether api has no pending or running tests left.
func (s *Session) IsAPIComplete(api string) bool {
	return len(s.PendingTests[api]) == 0 && len(s.RunningTests[api]) == 0
}

// APIs returns every API tracked by the session, sorted case-insensitively.
func (s *Session) APIs() []string {
	seen := make(map[string]struct{}, len(s.TestState))
	for api := range s.TestState {
		seen[api] = struct{}{}
	}

	for api := range s.PendingTests {
		seen[api] = struct{}{}
	}

	for api := range s.RunningTests {
		seen[api] = struct{}{}
	}

	apis := make([]string, 0, len(seen))
	for api := range seen {
		apis = append(apis, api)
	}

	sortAPIs(apis)

	return apis
}

// AllAPIsComplete reports whether every API of the session is complete.
func (s *Session) AllAPIsComplete() bool {
	for _, api := range s.APIs() {
		if !s.IsAPIComplete(api) {
			return false
		}
	}

	return true
}

// WithinLabels reports whether the session carries every label given.
func (s *Session) WithinLabels(labels ...string) bool {
	for _, l := range labels {
		if !slices.Contains(s.Labels, l) {
			return false
		}
	}

	return true
}

func newTestState(counts map[string]int) map[string]TestCounters {
	state := make(map[string]TestCounters, len(counts))
	for api, total := range counts {
		state[api] = TestCounters{Total: total}
	}

	return state
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}
