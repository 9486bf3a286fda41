package main

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/cochaviz/kiln/internal/build"
)

// progressReporter renders build events as a spinner on a terminal and as log
// records everywhere else.
type progressReporter struct {
	logger *slog.Logger
	bar    *progressbar.ProgressBar
	done   chan struct{}
	once   sync.Once
}

func newProgressReporter(out *os.File, logger *slog.Logger) *progressReporter {
	p := &progressReporter{logger: logger, done: make(chan struct{})}
	if !term.IsTerminal(int(out.Fd())) {
		return p
	}

	p.bar = progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetDescription("preparing"),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionClearOnFinish(),
	)
	go p.tick()
	return p
}

func (p *progressReporter) tick() {
	ticker := time.NewTicker(120 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			_ = p.bar.Add(1)
		}
	}
}

// Report is a build.ProgressFunc.
func (p *progressReporter) Report(event build.Event) {
	message := event.Message
	if event.Attempt > 0 {
		message = fmt.Sprintf("%s (attempt %d, %s left)", message, event.Attempt, event.Remaining.Round(time.Second))
	}

	// Without a terminal this is the only progress output, so it has to pass
	// the default warning level.
	if p.bar == nil {
		p.logger.Warn("build progress", "phase", event.Phase.String(), "message", message)
		return
	}
	p.bar.Describe(fmt.Sprintf("[%s] %s", event.Phase, message))
}

// Close stops the spinner and clears its line.
func (p *progressReporter) Close() {
	p.once.Do(func() {
		close(p.done)
		if p.bar != nil {
			_ = p.bar.Finish()
		}
	})
}
