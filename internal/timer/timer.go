// Package timer schedules device callbacks in virtual time. Callbacks run
// synchronously from Advance on the emulation thread.
package timer

import (
	"container/heap"
	"log/slog"
	"time"

	"github.com/tinyrange/macppc/internal/hwcomp"
)

// Owner is the validity check a timer performs before firing. hwcomp.Base
// satisfies it; a torn-down owner's timers are dropped.
type Owner interface {
	Alive() bool
}

// ID identifies a scheduled timer. Zero is never issued.
type ID uint64

type entry struct {
	id       ID
	deadline time.Duration
	period   time.Duration
	owner    Owner
	cb       func()
	index    int
}

type queue []*entry

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].deadline == q[j].deadline {
		return q[i].id < q[j].id
	}
	return q[i].deadline < q[j].deadline
}
func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *queue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *queue) Pop() any {
	old := *q
	e := old[len(old)-1]
	old[len(old)-1] = nil
	*q = old[:len(old)-1]
	e.index = -1
	return e
}

// Manager keeps the virtual clock and pending timers.
type Manager struct {
	now    time.Duration
	nextID ID
	q      queue
	byID   map[ID]*entry
}

// NewManager returns a manager whose clock starts at zero.
func NewManager() *Manager {
	return &Manager{byID: make(map[ID]*entry)}
}

// Now returns the current virtual time.
func (m *Manager) Now() time.Duration { return m.now }

func (m *Manager) add(owner Owner, delay, period time.Duration, cb func()) ID {
	if cb == nil {
		return 0
	}
	if delay < 0 {
		delay = 0
	}
	m.nextID++
	e := &entry{id: m.nextID, deadline: m.now + delay, period: period, owner: owner, cb: cb}
	heap.Push(&m.q, e)
	m.byID[e.id] = e
	return e.id
}

// AddOneShot runs cb once, delay after now, unless owner is gone by then.
// owner may be nil for callbacks not tied to a component.
func (m *Manager) AddOneShot(owner Owner, delay time.Duration, cb func()) ID {
	return m.add(owner, delay, 0, cb)
}

// AddCyclic runs cb every period until cancelled or owner is gone.
func (m *Manager) AddCyclic(owner Owner, period time.Duration, cb func()) ID {
	if period <= 0 {
		return 0
	}
	return m.add(owner, period, period, cb)
}

// Cancel removes a pending timer. Unknown IDs are ignored.
func (m *Manager) Cancel(id ID) {
	e, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	heap.Remove(&m.q, e.index)
}

// Pending returns the number of scheduled timers.
func (m *Manager) Pending() int { return len(m.q) }

// Next returns the deadline of the earliest timer.
func (m *Manager) Next() (time.Duration, bool) {
	if len(m.q) == 0 {
		return 0, false
	}
	return m.q[0].deadline, true
}

// Advance moves the clock to now, firing every timer that falls due in
// deadline order. Callbacks may schedule or cancel timers.
func (m *Manager) Advance(now time.Duration) int {
	fired := 0
	for len(m.q) > 0 && m.q[0].deadline <= now {
		e := m.q[0]
		m.now = e.deadline
		if e.owner != nil && !e.owner.Alive() {
			slog.Debug("timer: dropping timer of a removed owner", "id", e.id)
			heap.Pop(&m.q)
			delete(m.byID, e.id)
			continue
		}
		if e.period > 0 {
			e.deadline += e.period
			heap.Fix(&m.q, e.index)
		} else {
			heap.Pop(&m.q)
			delete(m.byID, e.id)
		}
		e.cb()
		fired++
	}
	if now > m.now {
		m.now = now
	}
	return fired
}

// Provider is implemented by the machine root.
type Provider interface {
	hwcomp.Component
	Timers() *Manager
}

// Find returns the timer manager of the machine containing c, or nil if
// the root has none.
func Find(c hwcomp.Component) *Manager {
	if p, ok := hwcomp.Root(c).(Provider); ok {
		return p.Timers()
	}
	return nil
}
