// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package render performs strict variable substitution for the static
// config files of the bundled binaries. It is deliberately dumb: ${NAME}
// substitution and nothing else, with both directions checked so that a
// typo in a template or call site fails loudly instead of shipping a unit
// file with a hole in it.
package render

import (
	"regexp"
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render substitutes ${NAME} references in the template with the given
// values. A reference with no value is an error; a value with no reference
// is an error too.
func Render(template string, values map[string]string) (string, error) {
	used := set.NewStrings()
	unknown := set.NewStrings()

	rendered := variablePattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-1]
		value, ok := values[name]
		if !ok {
			unknown.Add(name)
			return match
		}
		used.Add(name)
		return value
	})

	if !unknown.IsEmpty() {
		return "", errors.NotValidf("unknown template variable(s) %s", quoted(unknown.SortedValues()))
	}
	unused := set.NewStrings()
	for name := range values {
		if !used.Contains(name) {
			unused.Add(name)
		}
	}
	if !unused.IsEmpty() {
		return "", errors.NotValidf("value(s) %s never referenced by template", quoted(unused.SortedValues()))
	}
	return rendered, nil
}

func quoted(names []string) string {
	sort.Strings(names)
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = `"` + n + `"`
	}
	return strings.Join(quoted, ", ")
}
