package hwcomp

// PostInitResult is the outcome of a second-phase initialisation attempt.
type PostInitResult int

const (
	PostInitOK PostInitResult = iota
	PostInitFail
	// PostInitRetry asks to be called again after other components have
	// made progress.
	PostInitRetry
)

func (r PostInitResult) String() string {
	switch r {
	case PostInitOK:
		return "ok"
	case PostInitFail:
		return "fail"
	case PostInitRetry:
		return "retry"
	default:
		return "invalid"
	}
}

// Creator instantiates registered devices by name. Bus components use it to
// fill slots from property values.
type Creator interface {
	CreateDevice(devName string) (Component, error)
}

// SlotAssigner picks a unit address for a child added with address -1.
type SlotAssigner interface {
	NextSlot(child Component) (int, error)
}

// ChildAttacher registers a child with the parent's bus tables before it is
// inserted in the tree. Returning an error aborts the add.
type ChildAttacher interface {
	AttachChild(addr int, child Component) error
}

// ChildDetacher removes a child from the parent's bus tables. It runs before
// the child leaves the tree and must undo everything AttachChild did.
type ChildDetacher interface {
	DetachChild(child Component) error
}

// ChildRemovedNotifier is told after a child has left the tree, e.g. to
// renumber the remaining siblings.
type ChildRemovedNotifier interface {
	ChildRemoved(child Component)
}

// ChildReaddresser moves a child's entry in the parent's bus tables when
// the child changes unit address. The child already carries the new address
// when it is called; an error leaves the child at oldAddr.
type ChildReaddresser interface {
	ChildReaddressed(child Component, oldAddr int) error
}

// Releaser returns resources a component claimed outside the tree (memory
// regions, interrupt handles, backing files). It is part of the mandatory
// teardown contract and runs once, after the component's children are gone.
type Releaser interface {
	Release() error
}

// Rehomer is told when the component or one of its ancestors moved to a
// new parent.
type Rehomer interface {
	Rehomed()
}

// PropertySetter accepts a named property. A nil component with a nil
// error means "not recognised here"; a non-nil component means the property
// was consumed and names the component that now carries it (possibly a newly
// created child).
type PropertySetter interface {
	SetProperty(c Creator, name, value string, addr int) (Component, error)
}

// PostIniter runs after the whole tree exists. root is the machine root and
// is the only way to reach other components.
type PostIniter interface {
	PostInit(root Component) PostInitResult
}

type facets struct {
	slots    SlotAssigner
	attach   ChildAttacher
	detach   ChildDetacher
	removed  ChildRemovedNotifier
	readdr   ChildReaddresser
	release  Releaser
	rehome   Rehomer
	props    PropertySetter
	postInit PostIniter
}

func resolveFacets(self Component) facets {
	var f facets
	f.slots, _ = self.(SlotAssigner)
	f.attach, _ = self.(ChildAttacher)
	f.detach, _ = self.(ChildDetacher)
	f.removed, _ = self.(ChildRemovedNotifier)
	f.readdr, _ = self.(ChildReaddresser)
	f.release, _ = self.(Releaser)
	f.rehome, _ = self.(Rehomer)
	f.props, _ = self.(PropertySetter)
	f.postInit, _ = self.(PostIniter)
	return f
}
