package topic

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

type node[T comparable] struct {
	path   string // 路由过滤器的一个层级
	values []T    // 以该节点结尾的过滤器上挂载的值, 去重且保持插入顺序
	next   map[string]*node[T]
}

func newNode[T comparable](path string) *node[T] {
	return &node[T]{path: path, next: make(map[string]*node[T])}
}

func (n *node[T]) print(sb *strings.Builder, depth int) {
	fmt.Fprintf(sb, "%spath=%s, values=%v\n", strings.Repeat("\t", depth), n.path, n.values)
	for _, path := range n.paths() {
		n.next[path].print(sb, depth+1)
	}
}

func (n *node[T]) paths() []string {
	v := make([]string, 0, len(n.next))
	for k := range n.next {
		v = append(v, k)
	}
	slices.Sort(v)
	return v
}

// match collects the values of every filter below n that matches levels.
// At the root, reserved names only follow literal children.
func (n *node[T]) match(levels []string, root bool, out []T) []T {
	if len(levels) == 0 {
		out = append(out, n.values...)
		if hash, ok := n.next["#"]; ok { // "a/#" also matches "a"
			out = append(out, hash.values...)
		}
		return out
	}
	if next, ok := n.next[levels[0]]; ok {
		out = next.match(levels[1:], false, out)
	}
	if root && IsReserved(levels[0]) {
		return out
	}
	if next, ok := n.next["+"]; ok {
		out = next.match(levels[1:], false, out)
	}
	if next, ok := n.next["#"]; ok {
		out = append(out, next.values...)
	}
	return out
}

// remove detaches value from the filter below n and prunes empty nodes.
func (n *node[T]) remove(levels []string, value T) bool {
	if len(levels) == 0 {
		i := slices.Index(n.values, value)
		if i < 0 {
			return false
		}
		n.values = slices.Delete(n.values, i, i+1)
		return true
	}
	next, ok := n.next[levels[0]]
	if !ok {
		return false
	}
	removed := next.remove(levels[1:], value)
	if removed && len(next.values) == 0 && len(next.next) == 0 {
		delete(n.next, levels[0])
	}
	return removed
}

// Trie 主题过滤树. 过滤器按 "/" 切分为层级逐层挂载, 每个过滤器可挂载多个不同的值
// (例如多个订阅者). Safe for concurrent use.
type Trie[T comparable] struct {
	mu   sync.RWMutex
	root *node[T]
	size int
}

func NewTrie[T comparable]() *Trie[T] {
	return &Trie[T]{root: newNode[T]("")}
}

// Add attaches value to filter. Adding the same value twice is a no-op.
func (t *Trie[T]) Add(filter string, value T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current := t.root
	for _, level := range strings.Split(filter, "/") {
		next, ok := current.next[level]
		if !ok {
			next = newNode[T](level)
			current.next[level] = next
		}
		current = next
	}
	if !slices.Contains(current.values, value) {
		current.values = append(current.values, value)
		t.size++
	}
}

// Remove detaches value from filter and reports whether it was attached.
func (t *Trie[T]) Remove(filter string, value T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root.remove(strings.Split(filter, "/"), value) {
		t.size--
		return true
	}
	return false
}

// Match returns the values of all filters matching the topic name. A value
// attached to several matching filters appears once per filter.
func (t *Trie[T]) Match(name string) []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.match(strings.Split(name, "/"), true, nil)
}

// Len returns the number of attached (filter, value) pairs.
func (t *Trie[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// String dumps the tree structure.
func (t *Trie[T]) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var sb strings.Builder
	t.root.print(&sb, 0)
	return sb.String()
}
