// Package scene is a minimal in-memory scene graph: objects with a pose,
// grouped under a parent node. It stores presentation state only and draws
// nothing.
package scene

import (
	"sort"
	"sync"
)

// Pose is an object's placement within its group.
type Pose struct {
	Pos   [3]float64
	Yaw   float64
	Scale float64
}

func DefaultPose() Pose { return Pose{Scale: 1} }

// Object is a single presentable entity. Objects are created by whoever
// populates the scene and owned structurally by the Group they are attached
// to; everything else holds lookup references only.
type Object struct {
	Key  string
	Kind string

	mu     sync.Mutex
	pose   Pose
	color  string
	label  string
	hidden bool
	parent *Group
}

func NewObject(key, kind string) *Object {
	return &Object{Key: key, Kind: kind, pose: DefaultPose()}
}

func (o *Object) Pose() Pose {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pose
}

func (o *Object) SetPose(p Pose) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pose = p
}

func (o *Object) Color() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.color
}

func (o *Object) SetColor(c string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.color = c
}

func (o *Object) Label() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.label
}

func (o *Object) SetLabel(l string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.label = l
}

func (o *Object) Hidden() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hidden
}

func (o *Object) SetHidden(h bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hidden = h
}

// Parent returns the group the object is currently attached to, or nil.
func (o *Object) Parent() *Group {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.parent
}

func (o *Object) setParent(g *Group) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.parent = g
}

// Group collects objects under a named parent node. It does not render; it
// only tracks membership.
type Group struct {
	Name string

	mu       sync.Mutex
	children map[string]*Object
}

func NewGroup(name string) *Group {
	return &Group{Name: name, children: map[string]*Object{}}
}

// Attach adds child to the group, detaching it from any previous parent
// first. Attaching a second object under an already used key replaces the
// entry, so callers reconciling by key never see duplicates.
func (g *Group) Attach(child *Object) {
	if child == nil {
		return
	}
	if prev := child.Parent(); prev != nil && prev != g {
		prev.Detach(child)
	}
	g.mu.Lock()
	g.children[child.Key] = child
	g.mu.Unlock()
	child.setParent(g)
}

// Detach removes child from the group. Detaching an object that is not a
// child is a no-op.
func (g *Group) Detach(child *Object) {
	if child == nil {
		return
	}
	g.mu.Lock()
	cur, ok := g.children[child.Key]
	if ok && cur == child {
		delete(g.children, child.Key)
	}
	g.mu.Unlock()
	if ok && cur == child {
		child.setParent(nil)
	}
}

func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.children)
}

func (g *Group) Get(key string) (*Object, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.children[key]
	return o, ok
}

// Keys returns the attached keys in sorted order.
func (g *Group) Keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.children))
	for k := range g.children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Objects returns the children sorted by key.
func (g *Group) Objects() []*Object {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Object, 0, len(g.children))
	for _, o := range g.children {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
