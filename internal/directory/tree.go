// Package directory is the in-memory naming tree the acquisition registry
// publishes its objects in. It also serves their attribute views.
package directory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/types"
)

// Node is one named entry. It implements core.Handle.
type Node struct {
	tree     *Tree
	name     string
	parent   *Node
	children map[string]*Node
	obj      any
	attrs    *core.AttrSet
}

func (n *Node) Name() string {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.name
}

func (n *Node) Path() string {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.pathLocked()
}

func (n *Node) pathLocked() string {
	if n.parent == nil {
		return ""
	}
	if p := n.parent.pathLocked(); p != "" {
		return p + "/" + n.name
	}
	return n.name
}

// Object returns what was registered under the node.
func (n *Node) Object() any {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.obj
}

// Attrs returns the attribute view of the node, nil when it has none.
func (n *Node) Attrs() *core.AttrSet {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.attrs
}

// Children lists the child nodes sorted by name.
func (n *Node) Children() []*Node {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Tree implements core.Directory and core.AttributeStore.
type Tree struct {
	mu   sync.RWMutex
	root *Node
}

func New() *Tree {
	t := &Tree{}
	t.root = &Node{tree: t, children: make(map[string]*Node)}
	return t
}

func (t *Tree) Root() *Node {
	return t.root
}

func (t *Tree) node(h core.Handle) (*Node, error) {
	if h == nil {
		return t.root, nil
	}
	n, ok := h.(*Node)
	if !ok || n.tree != t {
		return nil, fmt.Errorf("foreign handle %T: %w", h, types.ErrProtocolViolation)
	}
	return n, nil
}

func (t *Tree) Register(parent core.Handle, name string, obj any) (core.Handle, error) {
	if err := core.ValidateName(name); err != nil {
		return nil, err
	}
	if strings.Contains(name, "/") {
		return nil, fmt.Errorf("name %q contains a separator: %w", name, types.ErrInvalidName)
	}
	p, err := t.node(parent)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p != t.root && p.parent == nil {
		return nil, fmt.Errorf("parent of %q is unregistered: %w", name, types.ErrNotFound)
	}
	if _, ok := p.children[name]; ok {
		return nil, fmt.Errorf("%q under %q: %w", name, p.pathLocked(), types.ErrConflict)
	}
	n := &Node{tree: t, name: name, parent: p, children: make(map[string]*Node), obj: obj}
	p.children[name] = n
	return n, nil
}

// Unregister removes the node and everything below it.
func (t *Tree) Unregister(h core.Handle) {
	n, err := t.node(h)
	if err != nil || n == t.root {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.parent == nil {
		return
	}
	if n.parent.children[n.name] == n {
		delete(n.parent.children, n.name)
	}
	detachLocked(n)
}

// detachLocked cuts n and its descendants loose so none of them accepts
// children, renames or views afterwards.
func detachLocked(n *Node) {
	for _, c := range n.children {
		detachLocked(c)
	}
	clear(n.children)
	n.parent = nil
}

func (t *Tree) Rename(h core.Handle, name string) error {
	if err := core.ValidateName(name); err != nil {
		return err
	}
	n, err := t.node(h)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.parent == nil {
		return fmt.Errorf("rename unregistered %q: %w", n.name, types.ErrNotFound)
	}
	if n.name == name {
		return nil
	}
	if _, ok := n.parent.children[name]; ok {
		return fmt.Errorf("%q under %q: %w", name, n.parent.pathLocked(), types.ErrConflict)
	}
	delete(n.parent.children, n.name)
	n.name = name
	n.parent.children[name] = n
	return nil
}

func (t *Tree) Lookup(parent core.Handle, name string) (any, bool) {
	p, err := t.node(parent)
	if err != nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := p.children[name]
	if !ok {
		return nil, false
	}
	return c.obj, true
}

// Resolve walks a slash separated path from the root.
func (t *Tree) Resolve(path string) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.root
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		c, ok := n.children[part]
		if !ok {
			return nil, fmt.Errorf("path %q: %w", path, types.ErrNotFound)
		}
		n = c
	}
	return n, nil
}

// CopyAttributes seeds dst with the declared attributes of src.
func (t *Tree) CopyAttributes(dst, src *core.AttrSet) error {
	if dst == nil {
		return fmt.Errorf("copy into nil attribute set: %w", types.ErrProtocolViolation)
	}
	dst.Merge(src)
	return nil
}

func (t *Tree) CreateView(h core.Handle, attrs *core.AttrSet) error {
	n, err := t.node(h)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.parent == nil {
		return fmt.Errorf("view on unregistered %q: %w", n.name, types.ErrNotFound)
	}
	n.attrs = attrs
	return nil
}

func (t *Tree) RemoveView(h core.Handle) {
	n, err := t.node(h)
	if err != nil {
		return
	}
	t.mu.Lock()
	n.attrs = nil
	t.mu.Unlock()
}
