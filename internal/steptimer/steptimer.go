// Package steptimer records the elapsed time of named phases within a
// single job and renders a one-line summary, the way builder.py's
// companion steptimer.py does for each carpetbag build.
package steptimer

import (
	"fmt"
	"strings"
	"time"
)

type mark struct {
	name string
	at   time.Time
}

// Timer accumulates named marks from the "start" mark New records to
// Report.
type Timer struct {
	marks []mark
}

// New returns a Timer with its "start" mark already recorded.
func New() *Timer {
	t := &Timer{}
	t.mark("start")

	return t
}

func (t *Timer) mark(name string) {
	t.marks = append(t.marks, mark{name: name, at: time.Now()})
}

// Mark records the completion of a named phase.
func (t *Timer) Mark(name string) {
	t.mark(name)
}

// Report closes the timer with an "end" mark and returns a summary line
// listing every phase that took more than a second, plus the total
// elapsed time.
func (t *Timer) Report() string {
	t.mark("end")

	var (
		parts             []string
		start, prev, total time.Time
	)

	for i, m := range t.marks {
		if i == 0 {
			start = m.at
			prev = m.at

			continue
		}

		elapsed := m.at.Sub(prev)
		if elapsed > time.Second {
			parts = append(parts, fmt.Sprintf("%s %s", m.name, formatDelta(elapsed)))
		}

		prev = m.at
		total = m.at
	}

	return fmt.Sprintf("total time %s (%s)", formatDelta(total.Sub(start)), strings.Join(parts, ", "))
}

// formatDelta rounds up to the nearest second, matching steptimer.py's
// round(e+0.5) before rendering as a duration.
func formatDelta(d time.Duration) time.Duration {
	whole := d.Truncate(time.Second)
	if d-whole > 0 {
		whole += time.Second
	}

	return whole
}
