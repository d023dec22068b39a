package burst

import (
	"sort"
	"sync"
)

// NodeState is the lifecycle state of one node slot.
type NodeState int

const (
	Requested NodeState = iota
	Running
	SettingUp
	Ready
	Failed
)

func (s NodeState) String() string {
	switch s {
	case Requested:
		return "requested"
	case Running:
		return "running"
	case SettingUp:
		return "setting_up"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether s is Ready or Failed.
func (s NodeState) Terminal() bool { return s == Ready || s == Failed }

// Node is one provisioned instance and its remote session.
type Node struct {
	Group        string
	InstanceID   string
	InstanceType string
	PrivateIP    string
	PublicIP     string
	PublicDNS    string
	Session      Session

	mu    sync.Mutex
	state NodeState
	err   error
	attrs map[string]string
}

// State returns the node's current lifecycle state.
func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Err returns the reason the node failed, if it did.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Addr returns the address used to reach the node: the public IP, then the
// public DNS name, then the private IP.
func (n *Node) Addr() string {
	switch {
	case n.PublicIP != "":
		return n.PublicIP
	case n.PublicDNS != "":
		return n.PublicDNS
	}
	return n.PrivateIP
}

// SetAttr records a node-local value, typically a workload result. It is
// safe for concurrent use.
func (n *Node) SetAttr(key, value string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.attrs == nil {
		n.attrs = map[string]string{}
	}
	n.attrs[key] = value
}

// Attr returns a value recorded with SetAttr.
func (n *Node) Attr(key string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attrs[key]
}

func (n *Node) String() string {
	return n.Group + "/" + n.InstanceID
}

// setState moves the node forward and returns the previous state. Terminal
// states are sticky.
func (n *Node) setState(to NodeState, err error) (NodeState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	from := n.state
	if from.Terminal() {
		return from, false
	}
	n.state = to
	if err != nil {
		n.err = err
	}
	return from, true
}

// Fleet is the set of Ready nodes handed to a workload. Nodes may be
// modified, the grouping may not.
type Fleet struct {
	groups map[string][]*Node
	names  []string
}

func newFleet(groups map[string][]*Node) *Fleet {
	f := &Fleet{groups: groups}
	for name := range groups {
		f.names = append(f.names, name)
	}
	sort.Strings(f.names)
	return f
}

// Group returns the Ready nodes of the named group, in the order they became
// ready. The returned slice is a copy.
func (f *Fleet) Group(name string) []*Node {
	nodes := f.groups[name]
	out := make([]*Node, len(nodes))
	copy(out, nodes)
	return out
}

// Groups returns the group names in sorted order.
func (f *Fleet) Groups() []string {
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

// Nodes returns every node of the fleet, grouped by sorted group name.
func (f *Fleet) Nodes() []*Node {
	var out []*Node
	for _, name := range f.names {
		out = append(out, f.groups[name]...)
	}
	return out
}

// Size returns the number of nodes in the fleet.
func (f *Fleet) Size() int {
	n := 0
	for _, nodes := range f.groups {
		n += len(nodes)
	}
	return n
}
