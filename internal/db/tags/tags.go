// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package tags evaluates boolean tag expressions such as
// "microscope & !talos" or "(krios | talos) & screening" against the
// space-separated tag list of a resource.
package tags

import (
	"fmt"
	"regexp"
	"strings"
)

var tagPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-+*/\\.:~=<>]+$`)

// Matcher reports whether a tag set satisfies an expression.
type Matcher func(tags []string) bool

func parseTag(expr string) (Matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty tag expression")
	}

	// or binds weaker than and
	if exprs := splitOnTopLevelChar(expr, '|'); len(exprs) > 1 {
		return combine(exprs, false)
	}
	if exprs := splitOnTopLevelChar(expr, '&'); len(exprs) > 1 {
		return combine(exprs, true)
	}

	expr, negated := strings.CutPrefix(expr, "!")
	expr = strings.TrimSpace(expr)

	var m Matcher
	if strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") {
		inner, err := parseTag(expr[1 : len(expr)-1])
		if err != nil {
			return nil, err
		}
		m = inner
	} else {
		if !tagPattern.MatchString(expr) {
			return nil, fmt.Errorf("invalid tag: %s", expr)
		}
		tag := expr
		m = func(tags []string) bool {
			for _, t := range tags {
				if t == tag {
					return true
				}
			}
			return false
		}
	}

	if negated {
		inner := m
		m = func(tags []string) bool { return !inner(tags) }
	}
	return m, nil
}

func combine(exprs []string, all bool) (Matcher, error) {
	parts := make([]Matcher, 0, len(exprs))
	for _, e := range exprs {
		m, err := parseTag(e)
		if err != nil {
			return nil, err
		}
		parts = append(parts, m)
	}
	return func(tags []string) bool {
		for _, m := range parts {
			if m(tags) != all {
				return !all
			}
		}
		return all
	}, nil
}

func splitOnTopLevelChar(expr string, op rune) []string {
	var result []string
	depth := 0
	start := 0

	for i, ch := range expr {
		switch ch {
		case '(':
			depth++
		case ')':
			depth--
		case op:
			if depth == 0 {
				result = append(result, expr[start:i])
				start = i + 1
			}
		}
	}

	result = append(result, expr[start:])
	return result
}

// Validate reports a syntax error in expr, if any.
func Validate(expr string) error {
	_, err := parseTag(expr)
	return err
}

// Parse compiles expr into a Matcher.
func Parse(expr string) (Matcher, error) {
	return parseTag(expr)
}

// Match is a convenience for a one-off evaluation against a space separated
// tag string.
func Match(expr, tagString string) (bool, error) {
	m, err := parseTag(expr)
	if err != nil {
		return false, err
	}
	return m(strings.Fields(tagString)), nil
}
