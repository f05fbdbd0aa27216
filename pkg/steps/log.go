package steps

import (
	"fmt"
	"sync"
)

// Log is an append-only, ordered record of steps. Each appended step is
// stamped with its insertion index. It is safe for concurrent use.
type Log struct {
	mu    sync.Mutex
	steps []Step
}

// Append stamps s with the next index, records it and returns the stamped
// copy.
func (l *Log) Append(s Step) Step {
	l.mu.Lock()
	defer l.mu.Unlock()
	s = At(s, len(l.steps))
	l.steps = append(l.steps, s)
	return s
}

// Len returns the number of recorded steps.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.steps)
}

// Snapshot returns the recorded steps in insertion order. The slice is a
// copy; steps themselves are values and never change.
func (l *Log) Snapshot() []Step {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Step, len(l.steps))
	copy(out, l.steps)
	return out
}

// Reset discards all recorded steps.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = nil
}

// At returns a copy of s carrying index. The render pipeline uses it to give
// a synthesized layer the position of the step it replaces.
func At(s Step, index int) Step {
	switch v := s.(type) {
	case File:
		v.index = index
		return v
	case Text:
		v.index = index
		return v
	case Rectangle:
		v.index = index
		return v
	case Canvas:
		v.index = index
		return v
	}
	panic(fmt.Sprintf("steps: unknown step type %T", s))
}

// Counts tallies steps by kind, with raster text counted separately.
type Counts struct {
	Files      int
	Animated   int
	Texts      int
	RasterText int
	Rectangles int
	Canvases   int
}

// Count tallies list.
func Count(list []Step) Counts {
	var c Counts
	for _, s := range list {
		switch v := s.(type) {
		case File:
			c.Files++
			if v.Animated() {
				c.Animated++
			}
		case Text:
			if v.Mode == Raster {
				c.RasterText++
			} else {
				c.Texts++
			}
		case Rectangle:
			c.Rectangles++
		case Canvas:
			c.Canvases++
		}
	}
	return c
}
