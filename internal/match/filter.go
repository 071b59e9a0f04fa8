// Package match implements the filter algebra and trigger registry that
// decide which handlers react to a delivered event.
package match

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/syntrixbase/relay/internal/events"
	"github.com/syntrixbase/relay/internal/scope"
)

// Filter is a predicate over an event and the working memory of the scope the
// event is being evaluated for. The memory may be nil for context-free use.
//
// Stateful filters (rate limit, dedupe) update internal state on every call,
// so And and Or evaluate every operand instead of short-circuiting. Never
// wrap a stateful filter in a construct that can skip its evaluation.
type Filter interface {
	Matches(evt events.Event, mem *scope.Context) bool
}

// FilterFunc adapts a plain function to the Filter interface.
type FilterFunc func(evt events.Event, mem *scope.Context) bool

func (f FilterFunc) Matches(evt events.Event, mem *scope.Context) bool {
	return f(evt, mem)
}

// Type matches events whose type is one of the given types.
func Type(types ...string) Filter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return FilterFunc(func(evt events.Event, _ *scope.Context) bool {
		_, ok := set[evt.Type]
		return ok
	})
}

// Source matches events whose source matches the regular expression.
func Source(pattern string) (Filter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid source pattern %q: %w", pattern, err)
	}
	return FilterFunc(func(evt events.Event, _ *scope.Context) bool {
		return re.MatchString(evt.Source)
	}), nil
}

// Keyword matches events whose serialized form contains any of the given
// keywords, case-insensitively.
func Keyword(keywords ...string) Filter {
	return keyword(false, keywords)
}

// KeywordCaseSensitive is Keyword with exact-case matching.
func KeywordCaseSensitive(keywords ...string) Filter {
	return keyword(true, keywords)
}

func keyword(caseSensitive bool, keywords []string) Filter {
	needles := make([]string, len(keywords))
	for i, kw := range keywords {
		if caseSensitive {
			needles[i] = kw
		} else {
			needles[i] = strings.ToLower(kw)
		}
	}

	return FilterFunc(func(evt events.Event, _ *scope.Context) bool {
		raw, err := evt.Marshal()
		if err != nil {
			return false
		}
		haystack := string(raw)
		if !caseSensitive {
			haystack = strings.ToLower(haystack)
		}
		for _, kw := range needles {
			if strings.Contains(haystack, kw) {
				return true
			}
		}
		return false
	})
}

// All matches when every child filter matches. Every child is evaluated even
// after the outcome is decided, so stateful children observe every event.
func All(filters ...Filter) Filter {
	return FilterFunc(func(evt events.Event, mem *scope.Context) bool {
		matched := true
		for _, f := range filters {
			if !f.Matches(evt, mem) {
				matched = false
			}
		}
		return matched
	})
}

// Any matches when at least one child filter matches. Like All, every child
// is evaluated unconditionally.
func Any(filters ...Filter) Filter {
	return FilterFunc(func(evt events.Event, mem *scope.Context) bool {
		matched := false
		for _, f := range filters {
			if f.Matches(evt, mem) {
				matched = true
			}
		}
		return matched
	})
}

// Not inverts a filter.
func Not(f Filter) Filter {
	return FilterFunc(func(evt events.Event, mem *scope.Context) bool {
		return !f.Matches(evt, mem)
	})
}
