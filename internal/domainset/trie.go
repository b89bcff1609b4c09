// Package domainset classifies domain names against a reference list using
// label-aligned suffix matching.
package domainset

import "strings"

const rootIndex = 0

// Classifier reports whether a domain is a registered entry or one of its subdomains.
type Classifier interface {
	Match(domain string) bool
}

type node struct {
	children   map[string]int32
	registered bool
}

// Trie is a suffix trie keyed by domain labels read right to left.
// Nodes live in a pool addressed by index; the root is index 0 and
// represents the empty suffix. A Trie is not safe for concurrent Add, but
// once built it may be matched from any number of goroutines.
type Trie struct {
	nodes []node
	size  int
}

var _ Classifier = (*Trie)(nil)

// New builds a trie from the given domains.
func New(domains ...string) *Trie {
	t := &Trie{nodes: make([]node, 1, len(domains)+1)}
	for _, d := range domains {
		t.Add(d)
	}

	return t
}

// Add registers domain. Labels are inserted TLD first; repeated inserts are no-ops.
func (t *Trie) Add(domain string) {
	labels := strings.Split(domain, ".")
	cur := int32(rootIndex)

	for i := len(labels) - 1; i >= 0; i-- {
		cur = t.child(cur, labels[i])
	}

	if !t.nodes[cur].registered {
		t.nodes[cur].registered = true
		t.size++
	}
}

func (t *Trie) child(parent int32, label string) int32 {
	if idx, ok := t.nodes[parent].children[label]; ok {
		return idx
	}

	t.nodes = append(t.nodes, node{})
	idx := int32(len(t.nodes) - 1) //nolint:gosec // pool size is bounded by the reference file

	if t.nodes[parent].children == nil {
		t.nodes[parent].children = make(map[string]int32)
	}

	t.nodes[parent].children[label] = idx

	return idx
}

// Match reports whether domain equals a registered entry or is a subdomain of
// one on label boundaries. Comparison is byte-exact.
func (t *Trie) Match(domain string) bool {
	if t == nil || t.size == 0 {
		return false
	}

	labels := strings.Split(domain, ".")
	cur := int32(rootIndex)

	for i := len(labels) - 1; i >= 0; i-- {
		next, ok := t.nodes[cur].children[labels[i]]
		if !ok {
			return false
		}

		if t.nodes[next].registered {
			return true
		}

		cur = next
	}

	return false
}

// Len returns the number of distinct registered entries.
func (t *Trie) Len() int {
	if t == nil {
		return 0
	}

	return t.size
}

// Nodes returns the size of the node pool including the root.
func (t *Trie) Nodes() int {
	if t == nil {
		return 0
	}

	return len(t.nodes)
}
