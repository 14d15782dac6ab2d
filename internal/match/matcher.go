package match

import (
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
)

// Delimiters that mark a skip pattern as a regular expression when the
// pattern starts and ends with the same one.
const Delimiters = "/#~%"

const matchTimeout = 250 * time.Millisecond

// LooksLikeRegex reports whether pattern starts and ends with the same
// delimiter from Delimiters, which marks it as a regular expression.
func LooksLikeRegex(pattern string) bool {
	if len(pattern) < 2 {
		return false
	}
	first, last := pattern[0], pattern[len(pattern)-1]
	return first == last && strings.IndexByte(Delimiters, first) >= 0
}

// Matches reports whether path matches pattern. Regex patterns are compiled
// on each call; use a Matcher to reuse compiled expressions.
func Matches(path, pattern string) bool {
	ok, _ := matches(path, pattern, nil)
	return ok
}

func matches(path, pattern string, re *regexp2.Regexp) (bool, error) {
	if !LooksLikeRegex(pattern) {
		return strings.Contains(path, pattern), nil
	}
	if re == nil {
		var err error
		re, err = compile(pattern)
		if err != nil {
			return false, err
		}
	}
	return re.MatchString(path)
}

func compile(pattern string) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(pattern[1:len(pattern)-1], regexp2.None)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = matchTimeout
	return re, nil
}

// Matcher is an exemption gate over an ordered list of skip patterns. It is
// safe for concurrent use.
type Matcher struct {
	mu    sync.RWMutex
	cache map[string]compiled
}

type compiled struct {
	re  *regexp2.Regexp
	err error
}

// NewMatcher returns a Matcher with an empty compile cache.
func NewMatcher() *Matcher {
	return &Matcher{cache: make(map[string]compiled)}
}

// Skip returns the first pattern matching path. A regex that fails to compile
// or evaluate never matches; its error is returned in errs so the caller can
// report it as a configuration problem.
func (m *Matcher) Skip(path string, patterns []string) (matched string, skip bool, errs []error) {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		var re *regexp2.Regexp
		if LooksLikeRegex(pattern) {
			c := m.lookup(pattern)
			if c.err != nil {
				errs = append(errs, &PatternError{Pattern: pattern, Err: c.err})
				continue
			}
			re = c.re
		}
		ok, err := matches(path, pattern, re)
		if err != nil {
			errs = append(errs, &PatternError{Pattern: pattern, Err: err})
			continue
		}
		if ok {
			return pattern, true, errs
		}
	}
	return "", false, errs
}

func (m *Matcher) lookup(pattern string) compiled {
	m.mu.RLock()
	c, ok := m.cache[pattern]
	m.mu.RUnlock()
	if ok {
		return c
	}

	re, err := compile(pattern)
	c = compiled{re: re, err: err}
	m.mu.Lock()
	m.cache[pattern] = c
	m.mu.Unlock()
	return c
}

// PatternError reports a skip pattern that does not compile.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "skip pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}
