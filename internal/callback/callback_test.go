package callback

import (
	"sync"
	"testing"

	"golang.org/x/xerrors"
)

type summer struct {
	total int
	seen  []int
	fail  bool

	mu sync.Mutex
}

func (s *summer) Call(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += v
	s.seen = append(s.seen, v)
}

func (s *summer) Finish() (int, error) {
	if s.fail {
		return 0, xerrors.New("summer failed")
	}
	return s.total, nil
}

func TestCallback(t *testing.T) {
	s := &summer{}
	c := NewCallback[int, int](s)
	for i := 1; i <= 100; i++ {
		c.Call(i)
	}
	got, err := c.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if got != 5050 {
		t.Fatalf("got %d", got)
	}
	for i, v := range s.seen {
		if v != i+1 {
			t.Fatalf("order broken at %d: %d", i, v)
		}
	}
}

func TestCallbackError(t *testing.T) {
	c := NewCallback[int, int](&summer{fail: true})
	c.Call(1)
	if _, err := c.Finish(); err == nil {
		t.Fatal("expected error")
	}
}

func TestCallbackSync(t *testing.T) {
	s := &summer{}
	lanes := NewCallbackSync[int, int](s, 4)
	var wg sync.WaitGroup
	for li, lane := range lanes {
		wg.Add(1)
		go func(li int, lane *SyncLane[int, int]) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				lane.Call(1)
			}
			if li != len(lanes)-1 {
				if _, err := lane.Finish(); err != nil {
					t.Error(err)
				}
			}
		}(li, lane)
	}
	// the last lane is finished last, from the main goroutine, and carries
	// the result
	wg.Wait()
	got, err := lanes[len(lanes)-1].Finish()
	if err != nil {
		t.Fatal(err)
	}
	if got != 100 {
		t.Fatalf("got %d", got)
	}
}

func TestCallbackMerge(t *testing.T) {
	a, b := &summer{}, &summer{}
	m := NewCallbackMerge[int, int, int](
		[]Handler[int, int]{NewCallback[int, int](a), NewCallback[int, int](b)},
		func(outs []int) int {
			total := 0
			for _, o := range outs {
				total += o
			}
			return total
		})
	for i := 0; i < 10; i++ {
		m.Call(i)
	}
	got, err := m.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if got != 45 {
		t.Fatalf("got %d", got)
	}
}

func TestCallbackMergeError(t *testing.T) {
	m := NewCallbackMerge[int, int, int](
		[]Handler[int, int]{
			NewCallback[int, int](&summer{}),
			NewCallback[int, int](&summer{fail: true}),
		},
		func(outs []int) int { return len(outs) })
	m.Call(1)
	m.Call(2)
	if _, err := m.Finish(); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestCallbackSyncBadNumchan(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewCallbackSync[int, int](&summer{}, 0)
}

type timedSummer struct {
	total int
}

func (s *timedSummer) Call(v int) { s.total += v }

func (s *timedSummer) Finish() (Timings, error) {
	var t Timings
	t.Add("sum", 0)
	return t, nil
}

func TestCallAll(t *testing.T) {
	s := &timedSummer{}
	ca := NewTimedCallAll[int, int](s, "double", func(v int) int { return v * 2 })
	for i := 1; i <= 3; i++ {
		ca.Call(i)
	}
	tm, err := ca.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if s.total != 12 {
		t.Fatalf("got %d", s.total)
	}
	if tm.String() == "" {
		t.Fatal("empty timings report")
	}
}
