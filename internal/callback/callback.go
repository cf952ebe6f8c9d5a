// Package callback implements the staged-callback runtime all concurrent
// pipelines are built from: handlers receive values via Call and are told
// end-of-stream exactly once via Finish. The combinators move handlers onto
// worker goroutines behind bounded channels (capacity 1), fan multiple
// producer lanes into one consumer, and spread one producer across several
// parallel handlers.
package callback

import (
	"golang.org/x/xerrors"
)

// A Handler consumes a stream of In values and produces one Out at end of
// stream. Call may block if a downstream bounded queue is full. Finish must
// be called exactly once, after the last Call.
type Handler[In, Out any] interface {
	Call(In)
	Finish() (Out, error)
}

type result[Out any] struct {
	val Out
	err error
}

// A Callback runs its wrapped handler on a dedicated worker goroutine behind
// a single-producer single-consumer channel of capacity 1.
type Callback[In, Out any] struct {
	send chan In
	res  chan result[Out]
}

func NewCallback[In, Out any](h Handler[In, Out]) *Callback[In, Out] {
	c := &Callback[In, Out]{
		send: make(chan In, 1),
		res:  make(chan result[Out], 1),
	}
	go func() {
		for m := range c.send {
			h.Call(m)
		}
		v, err := h.Finish()
		c.res <- result[Out]{v, err}
	}()
	return c
}

func (c *Callback[In, Out]) Call(m In) {
	c.send <- m
}

func (c *Callback[In, Out]) Finish() (Out, error) {
	close(c.send)
	r := <-c.res
	return r.val, r.err
}

// A SyncLane is one of the producer lanes created by NewCallbackSync. All
// lanes feed the same downstream handler; the joining worker consumes them
// round-robin, so overall order is preserved modulo lane depth. Exactly one
// lane returns the downstream result from Finish: the LAST one, because the
// worker only finishes the handler once every lane has closed, so the
// result must be collected after the other lanes are done. Finishing the
// lanes in slice order (as CallbackMerge does) is always safe.
type SyncLane[In, Out any] struct {
	send chan In
	res  chan result[Out]
}

const maxNumChan = 8

// NewCallbackSync wraps a single handler so that numchan producers can feed
// it concurrently.
func NewCallbackSync[In, Out any](h Handler[In, Out], numchan int) []*SyncLane[In, Out] {
	if numchan < 1 || numchan > maxNumChan {
		panic(xerrors.Errorf("wrong numchan %d: must be between 1 and %d", numchan, maxNumChan))
	}
	lanes := make([]*SyncLane[In, Out], numchan)
	chans := make([]chan In, numchan)
	for i := range lanes {
		chans[i] = make(chan In, 1)
		lanes[i] = &SyncLane[In, Out]{send: chans[i]}
	}
	res := make(chan result[Out], 1)
	lanes[numchan-1].res = res
	go func() {
		open := numchan
		closed := make([]bool, numchan)
		for i := 0; open > 0; i = (i + 1) % numchan {
			if closed[i] {
				continue
			}
			m, ok := <-chans[i]
			if !ok {
				closed[i] = true
				open--
				continue
			}
			h.Call(m)
		}
		v, err := h.Finish()
		res <- result[Out]{v, err}
	}()
	return lanes
}

func (l *SyncLane[In, Out]) Call(m In) {
	l.send <- m
}

func (l *SyncLane[In, Out]) Finish() (Out, error) {
	close(l.send)
	if l.res == nil {
		var zero Out
		return zero, nil
	}
	r := <-l.res
	return r.val, r.err
}

// A CallbackMerge routes successive calls round-robin across independent
// downstream handlers and reduces their finish results. Order across the
// handlers is lost; they must be associative. Every handler is finished even
// if one fails, so that worker channels drain; the first error wins.
type CallbackMerge[In, Out, Res any] struct {
	handlers []Handler[In, Out]
	collect  func([]Out) Res
	idx      int
}

func NewCallbackMerge[In, Out, Res any](handlers []Handler[In, Out], collect func([]Out) Res) *CallbackMerge[In, Out, Res] {
	return &CallbackMerge[In, Out, Res]{handlers: handlers, collect: collect}
}

func (c *CallbackMerge[In, Out, Res]) Call(m In) {
	c.handlers[c.idx%len(c.handlers)].Call(m)
	c.idx++
}

func (c *CallbackMerge[In, Out, Res]) Finish() (Res, error) {
	var firstErr error
	outs := make([]Out, 0, len(c.handlers))
	for _, h := range c.handlers {
		v, err := h.Finish()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		outs = append(outs, v)
	}
	if firstErr != nil {
		var zero Res
		return zero, firstErr
	}
	return c.collect(outs), nil
}
