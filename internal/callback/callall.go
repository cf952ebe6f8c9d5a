package callback

import (
	"time"

	"github.com/jharris2268/osmquadtree/internal/trace"
)

// CallAll adapts a conversion function into a pipeline stage: each input is
// converted and passed downstream, and the time spent converting is recorded
// under the stage name.
type CallAll[In, Mid, Out any] struct {
	out  Handler[Mid, Out]
	name string
	fn   func(In) Mid
	dur  time.Duration
}

func NewCallAll[In, Mid, Out any](out Handler[Mid, Out], name string, fn func(In) Mid) *CallAll[In, Mid, Out] {
	return &CallAll[In, Mid, Out]{out: out, name: name, fn: fn}
}

func (c *CallAll[In, Mid, Out]) Call(m In) {
	start := time.Now()
	v := c.fn(m)
	c.dur += time.Since(start)
	c.out.Call(v)
}

func (c *CallAll[In, Mid, Out]) Finish() (Out, error) {
	ev := trace.Event(c.name, 0)
	ev.Duration = uint64(c.dur / time.Microsecond)
	ev.Done()
	return c.out.Finish()
}

// TimedCallAll is the variant whose downstream produces Timings; the stage
// time is folded into the result.
type TimedCallAll[In, Mid any] struct {
	inner *CallAll[In, Mid, Timings]
}

func NewTimedCallAll[In, Mid any](out Handler[Mid, Timings], name string, fn func(In) Mid) *TimedCallAll[In, Mid] {
	return &TimedCallAll[In, Mid]{inner: NewCallAll(out, name, fn)}
}

func (c *TimedCallAll[In, Mid]) Call(m In) {
	c.inner.Call(m)
}

func (c *TimedCallAll[In, Mid]) Finish() (Timings, error) {
	t, err := c.inner.Finish()
	if err != nil {
		return t, err
	}
	t.Add(c.inner.name, c.inner.dur)
	return t, nil
}
