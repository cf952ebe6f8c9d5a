// Package progress routes user-visible one-liners and long-running progress
// reporting. The messenger sink is set once at startup and not mutated
// afterwards; pipelines report through the abstract Bar so that callers
// without a terminal (tests, cron) degrade to occasional log lines.
package progress

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

var (
	messengerOnce sync.Once
	messenger     *log.Logger
)

// SetMessenger configures where Message output goes. Only the first call has
// any effect; the default is stdout.
func SetMessenger(w io.Writer) {
	messengerOnce.Do(func() {
		messenger = log.New(w, "", 0)
	})
}

// Message prints a user-facing line through the configured messenger.
func Message(format string, args ...interface{}) {
	SetMessenger(os.Stdout)
	messenger.Printf(format, args...)
}

// A Bar reports progress of one long-running stage.
type Bar interface {
	Add(n int64)
	Set(n int64)
	Finish()
}

type discard struct{}

func (discard) Add(int64) {}
func (discard) Set(int64) {}
func (discard) Finish()   {}

// Discard is a Bar that reports nothing.
func Discard() Bar { return discard{} }

var stdoutIsTerminal = isatty.IsTerminal(os.Stdout.Fd())

type termBar struct {
	bar *progressbar.ProgressBar
}

func (b *termBar) Add(n int64) { b.bar.Add64(n) }
func (b *termBar) Set(n int64) { b.bar.Set64(n) }
func (b *termBar) Finish()     { b.bar.Finish(); fmt.Println() }

type logBar struct {
	mu    sync.Mutex
	desc  string
	total int64
	curr  int64
	last  time.Time
}

func (b *logBar) Add(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.curr += n
	b.maybeReport()
}

func (b *logBar) Set(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.curr = n
	b.maybeReport()
}

func (b *logBar) maybeReport() {
	if time.Since(b.last) < 10*time.Second {
		return
	}
	b.last = time.Now()
	if b.total > 0 {
		log.Printf("%s: %d%%", b.desc, 100*b.curr/b.total)
	} else {
		log.Printf("%s: %d", b.desc, b.curr)
	}
}

func (b *logBar) Finish() {
	log.Printf("%s: done", b.desc)
}

// NewBar returns a terminal progress bar when stdout is a terminal, and a
// rate-limited logging fallback otherwise.
func NewBar(total int64, desc string) Bar {
	if !stdoutIsTerminal {
		return &logBar{desc: desc, total: total, last: time.Now()}
	}
	return &termBar{bar: progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetWidth(40),
	)}
}

// NewCountBar is NewBar without the byte formatting, for item counts.
func NewCountBar(total int64, desc string) Bar {
	if !stdoutIsTerminal {
		return &logBar{desc: desc, total: total, last: time.Now()}
	}
	return &termBar{bar: progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetWidth(40),
	)}
}
