package callback

import (
	"fmt"
	"strings"
	"time"
)

// Timings aggregates wall-clock time spent per pipeline stage. Stage names
// repeat across lanes; String groups them.
type Timings struct {
	stages []stage
}

type stage struct {
	name string
	dur  time.Duration
}

func (t *Timings) Add(name string, d time.Duration) {
	t.stages = append(t.stages, stage{name, d})
}

func (t *Timings) Combine(o Timings) {
	t.stages = append(t.stages, o.stages...)
}

// MergeTimings is the collector used with NewCallbackMerge.
func MergeTimings(ts []Timings) Timings {
	var res Timings
	for _, t := range ts {
		res.Combine(t)
	}
	return res
}

func (t Timings) String() string {
	totals := map[string]time.Duration{}
	var order []string
	for _, s := range t.stages {
		if _, ok := totals[s.name]; !ok {
			order = append(order, s.name)
		}
		totals[s.name] += s.dur
	}
	var sb strings.Builder
	for i, n := range order {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %.1fs", n, totals[n].Seconds())
	}
	return sb.String()
}
