package host

// StaticNode is a node whose binding is fixed at construction.
type StaticNode struct {
	Name    string
	Binding *Binding
}

// HostBinding returns the configured binding, if any.
func (n StaticNode) HostBinding() (Binding, bool) {
	if n.Binding == nil {
		return Binding{}, false
	}
	return *n.Binding, true
}

// LocalNode is an execution node with no container host binding, such as
// a plain workstation.
type LocalNode struct{}

// HostBinding always reports no binding.
func (LocalNode) HostBinding() (Binding, bool) { return Binding{}, false }

// NodeTable binds node names to host IDs.
type NodeTable map[string]string

// Node returns the execution node with the given name. Names not present in
// the table yield a node without a binding.
func (t NodeTable) Node(name string) Node {
	id, ok := t[name]
	if !ok || id == "" {
		return StaticNode{Name: name}
	}
	return StaticNode{Name: name, Binding: &Binding{HostID: id}}
}
