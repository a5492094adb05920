package useragent

import (
	"strings"

	"github.com/mileusna/useragent"
)

// Browser is the browser identity recorded on a session.
type Browser struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Parser parses user agent strings and abbreviates browser names.
type Parser interface {
	Parse(userAgent string) Browser
	Abbreviate(name string) string
}

// Compile-time interface check.
var _ Parser = (*parser)(nil)

type parser struct{}

// NewParser returns a Parser backed by github.com/mileusna/useragent.
func NewParser() Parser {
	return &parser{}
}

// Parse extracts the browser name and version from a user agent string.
// Unknown agents yield an empty Browser.
func (p *parser) Parse(userAgent string) Browser {
	if userAgent == "" {
		return Browser{}
	}

	ua := useragent.Parse(userAgent)

	return Browser{
		Name:    ua.Name,
		Version: ua.Version,
	}
}

var abbreviations = map[string]string{
	useragent.Chrome:           "CH",
	useragent.HeadlessChrome:   "CH",
	useragent.Firefox:          "FF",
	useragent.Safari:           "SF",
	useragent.Edge:             "EG",
	useragent.Opera:            "OP",
	useragent.InternetExplorer: "IE",
	useragent.Vivaldi:          "VI",
}

// Abbreviate returns the two letter code for a browser name.
func (p *parser) Abbreviate(name string) string {
	if abbr, ok := abbreviations[name]; ok {
		return abbr
	}

	letters := make([]rune, 0, 2)

	for _, r := range name {
		if len(letters) == 2 {
			break
		}

		if r == ' ' || r == '/' || r == '.' {
			continue
		}

		letters = append(letters, r)
	}

	if len(letters) < 2 {
		return "XX"
	}

	return strings.ToUpper(string(letters))
}

// MajorVersion returns the major component of a dotted version, zero padded
// to at least two digits.
func MajorVersion(version string) string {
	major, _, _ := strings.Cut(version, ".")

	for len(major) < 2 {
		major = "0" + major
	}

	return major
}
