package session

import (
	"slices"
	"sort"
	"strings"
)

// TestList maps an API name to its ordered test identifiers.
type TestList map[string][]string

// APIName returns the first non-empty path segment of a test identifier.
func APIName(test string) string {
	for _, part := range strings.Split(test, "/") {
		if part != "" {
			return part
		}
	}

	return ""
}

// Contains reports whether test is listed under any API.
func (l TestList) Contains(test string) bool {
	for _, tests := range l {
		if slices.Contains(tests, test) {
			return true
		}
	}

	return false
}

// Add appends test under api unless already present.
func (l TestList) Add(api, test string) {
	if slices.Contains(l[api], test) {
		return
	}

	l[api] = append(l[api], test)
}

// Remove deletes test from api, dropping the API entry once empty. It
// reports whether the test was present.
func (l TestList) Remove(api, test string) bool {
	tests, ok := l[api]
	if !ok {
		return false
	}

	idx := slices.Index(tests, test)
	if idx < 0 {
		return false
	}

	tests = slices.Delete(slices.Clone(tests), idx, idx+1)
	if len(tests) == 0 {
		delete(l, api)
	} else {
		l[api] = tests
	}

	return true
}

// Count returns the number of tests across all APIs.
func (l TestList) Count() int {
	n := 0
	for _, tests := range l {
		n += len(tests)
	}

	return n
}

// APIs returns the API names sorted case-insensitively.
func (l TestList) APIs() []string {
	apis := make([]string, 0, len(l))
	for api := range l {
		apis = append(apis, api)
	}

	sortAPIs(apis)

	return apis
}

// runPasses orders test selection: plain automatic tests first, then
// https tests, then manual tests.
var runPasses = []func(test string) bool{
	func(test string) bool {
		return !strings.Contains(test, "https") && TypeOf(test) != TypeManual
	},
	func(test string) bool {
		return TypeOf(test) != TypeManual
	},
	func(string) bool { return true },
}

// RunOrder returns every test in the order they are handed out to a
// browser. Each pass walks the APIs case-insensitively.
func (l TestList) RunOrder() []string {
	apis := l.APIs()
	seen := make(map[string]struct{}, l.Count())
	order := make([]string, 0, l.Count())

	for _, eligible := range runPasses {
		for _, api := range apis {
			for _, test := range l[api] {
				if _, ok := seen[test]; ok || !eligible(test) {
					continue
				}

				seen[test] = struct{}{}
				order = append(order, test)
			}
		}
	}

	return order
}

// Clone returns a deep copy. A nil list clones to nil.
func (l TestList) Clone() TestList {
	if l == nil {
		return nil
	}

	c := make(TestList, len(l))
	for api, tests := range l {
		c[api] = slices.Clone(tests)
	}

	return c
}

func sortAPIs(apis []string) {
	sort.SliceStable(apis, func(i, j int) bool {
		a, b := strings.ToLower(apis[i]), strings.ToLower(apis[j])
		if a == b {
			return apis[i] < apis[j]
		}

		return a < b
	})
}
