package results

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"

	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/mitchellh/mapstructure"
)

// Status is the harness status of one test file.
type Status string

const (
	StatusOK      Status = "OK"
	StatusError   Status = "ERROR"
	StatusTimeout Status = "TIMEOUT"
	StatusNotRun  Status = "NOTRUN"
)

// SubtestStatus is the status of a single assertion within a test file.
type SubtestStatus string

const (
	SubtestPass    SubtestStatus = "PASS"
	SubtestFail    SubtestStatus = "FAIL"
	SubtestTimeout SubtestStatus = "TIMEOUT"
	SubtestNotRun  SubtestStatus = "NOTRUN"
)

var harnessStatuses = []Status{StatusOK, StatusError, StatusTimeout, StatusNotRun}

var subtestStatuses = []SubtestStatus{SubtestPass, SubtestFail, SubtestTimeout, SubtestNotRun}

// Subtest is the outcome of one assertion.
type Subtest struct {
	Name    string        `json:"name" mapstructure:"name"`
	Status  SubtestStatus `json:"status" mapstructure:"status"`
	Message string        `json:"message,omitempty" mapstructure:"message"`
}

// Result is the outcome of executing one test file.
type Result struct {
	Test     string    `json:"test" mapstructure:"test"`
	Status   Status    `json:"status" mapstructure:"status"`
	Message  string    `json:"message,omitempty" mapstructure:"message"`
	Subtests []Subtest `json:"subtests,omitempty" mapstructure:"subtests"`
}

// API returns the API the result belongs to.
func (r *Result) API() string {
	return session.APIName(r.Test)
}

// Passed reports whether the test and all of its subtests passed.
func (r *Result) Passed() bool {
	if r.Status != StatusOK {
		return false
	}

	for _, st := range r.Subtests {
		if st.Status != SubtestPass {
			return false
		}
	}

	return true
}

// Count adds the result to c. Each subtest counts once; a result without
// subtests counts by its harness status. Complete grows by one either way.
func (r *Result) Count(c *session.TestCounters) {
	if len(r.Subtests) == 0 {
		switch r.Status {
		case StatusOK:
			c.Pass++
		case StatusError:
			c.Fail++
		case StatusTimeout:
			c.Timeout++
		case StatusNotRun:
			c.NotRun++
		}
	}

	for _, st := range r.Subtests {
		switch st.Status {
		case SubtestPass:
			c.Pass++
		case SubtestFail:
			c.Fail++
		case SubtestTimeout:
			c.Timeout++
		case SubtestNotRun:
			c.NotRun++
		}
	}

	c.Complete++
}

// ParseResult normalizes a raw submission. Numeric statuses 0..3 and their
// string names are accepted, "tests" is read as "subtests" and stack traces
// are dropped.
func ParseResult(raw map[string]any) (*Result, error) {
	if raw == nil {
		return nil, fmt.Errorf("empty result: %w", session.ErrInvalidData)
	}

	input := make(map[string]any, len(raw))
	for k, v := range raw {
		input[k] = v
	}

	delete(input, "stack")

	if tests, ok := input["tests"]; ok {
		if _, exists := input["subtests"]; !exists {
			input["subtests"] = tests
		}

		delete(input, "tests")
	}

	var res Result

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.DecodeHookFuncType(statusDecodeHook),
		Result:           &res,
		WeaklyTypedInput: false,
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return nil, fmt.Errorf("decoding result: %w: %w", session.ErrInvalidData, err)
	}

	if res.Test == "" {
		return nil, fmt.Errorf("result without test: %w", session.ErrInvalidData)
	}

	if res.Status == "" {
		return nil, fmt.Errorf("result for %s without status: %w", res.Test, session.ErrInvalidData)
	}

	return &res, nil
}

var (
	statusType        = reflect.TypeOf(Status(""))
	subtestStatusType = reflect.TypeOf(SubtestStatus(""))
)

func statusDecodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	switch to {
	case statusType:
		idx, name, err := statusIndex(data, func(s string) bool {
			return slices.Contains(harnessStatuses, Status(s))
		})
		if err != nil {
			return nil, err
		}

		if idx < 0 {
			return Status(name), nil
		}

		return harnessStatuses[idx], nil
	case subtestStatusType:
		idx, name, err := statusIndex(data, func(s string) bool {
			return slices.Contains(subtestStatuses, SubtestStatus(s))
		})
		if err != nil {
			return nil, err
		}

		if idx < 0 {
			return SubtestStatus(name), nil
		}

		return subtestStatuses[idx], nil
	}

	return data, nil
}

// statusIndex maps a numeric status code to its index. Known status names
// return -1 along with the name.
func statusIndex(data any, known func(string) bool) (int, string, error) {
	var n int64

	if rv := reflect.ValueOf(data); rv.IsValid() && rv.Kind() == reflect.String {
		data = rv.String()
	}

	switch v := data.(type) {
	case string:
		if known(v) {
			return -1, v, nil
		}

		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, "", fmt.Errorf("unknown status %q", v)
		}

		n = parsed
	case int:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case float64:
		if v != float64(int64(v)) {
			return 0, "", fmt.Errorf("unknown status %v", v)
		}

		n = int64(v)
	default:
		return 0, "", fmt.Errorf("unsupported status type %T", data)
	}

	if n < 0 || n > 3 {
		return 0, "", fmt.Errorf("unknown status code %d", n)
	}

	return int(n), "", nil
}
