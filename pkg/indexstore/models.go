package indexstore

import (
	"time"

	"github.com/ethpandaops/wavekeeper/pkg/session"
)

// SessionRecord is the indexed summary of one session.
type SessionRecord struct {
	ID     uint   `gorm:"primaryKey" json:"-"`
	Token  string `gorm:"not null;uniqueIndex" json:"token"`
	Status string `gorm:"index" json:"status"`

	IsPublic       bool   `gorm:"index" json:"is_public"`
	Browser        string `json:"browser"`
	BrowserVersion string `json:"browser_version"`
	UserAgent      string `json:"user_agent"`

	// Denormalized counters summed over every API.
	TestsTotal    int `json:"tests_total"`
	TestsComplete int `json:"tests_complete"`
	Pass          int `json:"pass"`
	Fail          int `json:"fail"`
	Timeout       int `json:"timeout"`
	NotRun        int `json:"not_run"`

	DateCreated  time.Time  `gorm:"index" json:"date_created"`
	DateStarted  *time.Time `json:"date_started,omitempty"`
	DateFinished *time.Time `json:"date_finished,omitempty"`

	IndexedAt time.Time `json:"indexed_at"`
}

// SessionLabel attaches one label to an indexed session.
type SessionLabel struct {
	ID    uint   `gorm:"primaryKey"`
	Token string `gorm:"not null;index;uniqueIndex:idx_session_labels_token_label"`
	Label string `gorm:"not null;index;uniqueIndex:idx_session_labels_token_label"`
}

// RecordFromSession builds the index record of a session.
func RecordFromSession(s *session.Session) *SessionRecord {
	rec := &SessionRecord{
		Token:          s.Token,
		Status:         string(s.Status),
		IsPublic:       s.IsPublic,
		Browser:        s.Browser.Name,
		BrowserVersion: s.Browser.Version,
		UserAgent:      s.UserAgent,
		DateCreated:    s.DateCreated,
		DateStarted:    s.DateStarted,
		DateFinished:   s.DateFinished,
	}

	for _, c := range s.TestState {
		rec.TestsTotal += c.Total
		rec.TestsComplete += c.Complete
		rec.Pass += c.Pass
		rec.Fail += c.Fail
		rec.Timeout += c.Timeout
		rec.NotRun += c.NotRun
	}

	return rec
}
