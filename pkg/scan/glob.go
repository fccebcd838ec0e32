// Cache invalidation takes glob patterns over cache keys (e.g. `item:42:*`); the following module implements glob
// matching. Keys are split on '/' and matched segment by segment, so a pattern ending in `/...` also matches every
// deeper key under its prefix.

package scan

import (
	"fmt"
	"iter"
	"strings"

	"v.io/v23/glob"
)

// Matcher reports whether a key matches a compiled pattern.
type Matcher func(key string) bool

// CompileGlob parses `pattern` into a Matcher.
func CompileGlob(pattern string) (Matcher, error) {
	parsedPattern, err := glob.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	return func(key string) bool {
		current := parsedPattern
		for _, segment := range strings.Split(key, "/") {
			if current.Len() == 0 {
				return current.Recursive()
			}
			if !current.Head().Match(segment) {
				return false
			}
			current = current.Tail()
		}
		return current.Len() == 0
	}, nil
}

// MatchGlob filters the `keys` stream down to keys matching `pattern`.
func MatchGlob(pattern string, keys iter.Seq[string]) (iter.Seq[string], error) {
	matches, err := CompileGlob(pattern)
	if err != nil {
		return nil, err
	}
	return func(yield func(string) bool) {
		for key := range keys {
			if matches(key) && !yield(key) {
				return
			}
		}
	}, nil
}
