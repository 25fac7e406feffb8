package intctrl

// Line models an interrupt line that supports level and edge semantics.
type Line interface {
	SetLevel(high bool)
	Pulse()
}

type noopLine struct{}

func (noopLine) SetLevel(bool) {}
func (noopLine) Pulse()        {}

// LineDetached returns a Line that drops all signals.
func LineDetached() Line {
	return noopLine{}
}

// LineFromFunc adapts a level function to Line.
func LineFromFunc(fn func(bool)) Line {
	return lineFunc(fn)
}

type lineFunc func(bool)

func (f lineFunc) SetLevel(level bool) {
	if f != nil {
		f(level)
	}
}

func (f lineFunc) Pulse() {
	if f != nil {
		f(true)
		f(false)
	}
}

// OutputSink receives the controller's combined output, normally the CPU's
// external interrupt input.
type OutputSink interface {
	SetExtInt(level bool)
}

// OutputSinkFunc adapts a function to OutputSink.
type OutputSinkFunc func(level bool)

// SetExtInt implements OutputSink.
func (f OutputSinkFunc) SetExtInt(level bool) {
	if f != nil {
		f(level)
	}
}
