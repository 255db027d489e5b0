package tf

import (
	"fmt"
	"strings"
)

// Name scopes mirror the native library's stack-based naming convention on
// the managed side: every operation created while scopes are pushed gets its
// name prefixed with the joined scope path, and names are uniquified within
// the graph. Pushing "scope1" then "scope2" and creating a Const yields the
// operation name "scope1/scope2/Const", whose first output renders as
// "scope1/scope2/Const:0".

// PushNameScope pushes a scope segment onto the graph's name-scope stack.
func (g *Graph) PushNameScope(name string) error {
	if g == nil {
		return fmt.Errorf("graph is nil")
	}
	if err := validateScopeName(name); err != nil {
		return err
	}

	g.nameMu.Lock()
	defer g.nameMu.Unlock()

	if g.usedNames == nil {
		return fmt.Errorf("graph has been destroyed")
	}

	g.scopes = append(g.scopes, name)
	return nil
}

// PopNameScope removes the innermost scope segment.
func (g *Graph) PopNameScope() error {
	if g == nil {
		return fmt.Errorf("graph is nil")
	}

	g.nameMu.Lock()
	defer g.nameMu.Unlock()

	if len(g.scopes) == 0 {
		return fmt.Errorf("name scope stack is empty")
	}

	g.scopes = g.scopes[:len(g.scopes)-1]
	return nil
}

// CurrentNameScope returns the joined scope path, for example
// "scope1/scope2". Returns "" when no scope is pushed.
func (g *Graph) CurrentNameScope() string {
	if g == nil {
		return ""
	}

	g.nameMu.Lock()
	defer g.nameMu.Unlock()

	return strings.Join(g.scopes, "/")
}

// makeName builds the fully qualified, graph-unique operation name for a
// requested name (or the op type when no name was requested).
func (g *Graph) makeName(requested, opType string) string {
	base := requested
	if base == "" {
		base = opType
	}

	g.nameMu.Lock()
	defer g.nameMu.Unlock()

	if prefix := strings.Join(g.scopes, "/"); prefix != "" {
		base = prefix + "/" + base
	}

	return g.uniquifyNameLocked(base)
}

// uniquifyNameLocked appends "_N" suffixes until the name is unused in this
// graph. Must be called with nameMu held.
func (g *Graph) uniquifyNameLocked(base string) string {
	if g.usedNames == nil {
		g.usedNames = make(map[string]int)
	}

	count, seen := g.usedNames[base]
	if !seen {
		g.usedNames[base] = 1
		return base
	}

	for {
		candidate := fmt.Sprintf("%s_%d", base, count)
		if _, taken := g.usedNames[candidate]; !taken {
			g.usedNames[base] = count + 1
			g.usedNames[candidate] = 1
			return candidate
		}
		count++
	}
}

// validateScopeName enforces the native operation-name charset on a single
// scope segment: leading letter, digit or dot, then letters, digits,
// underscores, dots and dashes. Separators are added by the stack itself.
func validateScopeName(name string) error {
	if name == "" {
		return fmt.Errorf("scope name cannot be empty")
	}

	for i, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.':
		case (r == '_' || r == '-') && i > 0:
		default:
			return fmt.Errorf("invalid scope name %q: character %q at index %d", name, r, i)
		}
	}

	return nil
}
