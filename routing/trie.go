package routing

import (
	"iter"
	"slices"
	"strings"
)

// Node is a single segment in the route trie
type Node struct {
	token    string
	parent   *Node
	children []*Node
	terminal bool
}

// Token returns the segment token of the node
func (n *Node) Token() string {
	return n.token
}

// Terminal reports whether a registered pattern ends at this node
func (n *Node) Terminal() bool {
	return n.terminal
}

// Children returns the ordered child nodes
func (n *Node) Children() []*Node {
	return n.children
}

// Pattern rebuilds the pattern that ends at this node by walking parent references
func (n *Node) Pattern() string {
	var segments []string
	for cur := n; cur != nil && cur.parent != nil; cur = cur.parent {
		segments = append(segments, cur.token)
	}
	slices.Reverse(segments)
	return strings.Join(segments, Separator)
}

func (n *Node) child(token string, terminal bool) *Node {
	for _, c := range n.children {
		if c.token == token && c.terminal == terminal {
			return c
		}
	}
	c := &Node{token: token, parent: n, terminal: terminal}
	n.children = append(n.children, c)
	return c
}

// Trie is a prefix tree over dot-segmented route patterns.
// It is immutable once built and safe for concurrent reads.
type Trie struct {
	root     *Node
	patterns []string
}

// Build creates a trie from the given patterns. Duplicate patterns are stored once.
func Build(patterns []string) (*Trie, error) {
	t := &Trie{root: &Node{}}
	seen := make(map[string]struct{}, len(patterns))

	for _, pattern := range patterns {
		if err := ValidatePattern(pattern); err != nil {
			return nil, err
		}
		if _, ok := seen[pattern]; ok {
			continue
		}
		seen[pattern] = struct{}{}
		t.patterns = append(t.patterns, pattern)
		t.insert(pattern)
	}

	return t, nil
}

// insert adds a pattern. A node's terminal flag is part of its identity, so
// "a.b" and "a.b.c" pass through two different "b" nodes.
func (t *Trie) insert(pattern string) {
	segments := strings.Split(pattern, Separator)
	node := t.root
	for i, segment := range segments {
		node = node.child(segment, i == len(segments)-1)
	}
}

// Root returns the root node, which carries no token
func (t *Trie) Root() *Node {
	return t.root
}

// Patterns returns the distinct patterns in insertion order
func (t *Trie) Patterns() []string {
	return slices.Clone(t.patterns)
}

// Match returns a lazy sequence of the registered patterns matching the routing
// key segments. Each pattern is yielded at most once. A key without segments
// matches nothing.
func (t *Trie) Match(segments []string) iter.Seq[string] {
	return func(yield func(string) bool) {
		if t == nil || len(segments) == 0 {
			return
		}
		m := &matcher{
			segments: segments,
			seen:     make(map[*Node]struct{}),
			yield:    yield,
		}
		m.children(t.root, 0)
	}
}

// MatchAll collects Match into a slice
func (t *Trie) MatchAll(segments []string) []string {
	return slices.Collect(t.Match(segments))
}

// MatchKey splits the routing key and collects all matching patterns
func (t *Trie) MatchKey(key string) []string {
	return t.MatchAll(Split(key))
}

type matcher struct {
	segments []string
	seen     map[*Node]struct{}
	yield    func(string) bool
}

// children tries every child of parent against the key starting at depth.
// It returns false once the consumer stops the iteration.
func (m *matcher) children(parent *Node, depth int) bool {
	for _, n := range parent.children {
		if !m.node(n, depth) {
			return false
		}
	}
	return true
}

func (m *matcher) node(n *Node, depth int) bool {
	switch n.token {
	case MultiWildcard:
		if n.terminal {
			// nothing follows "#", so it absorbs whatever remains
			return m.emit(n)
		}
		// "#" may consume zero or more of the remaining segments
		for next := depth; next <= len(m.segments); next++ {
			if !m.children(n, next) {
				return false
			}
		}
		return true
	case SingleWildcard:
		if depth >= len(m.segments) {
			return true
		}
	default:
		if depth >= len(m.segments) || m.segments[depth] != n.token {
			return true
		}
	}

	if depth == len(m.segments)-1 && n.terminal {
		return m.emit(n)
	}
	return m.children(n, depth+1)
}

func (m *matcher) emit(n *Node) bool {
	if _, ok := m.seen[n]; ok {
		return true
	}
	m.seen[n] = struct{}{}
	return m.yield(n.Pattern())
}
