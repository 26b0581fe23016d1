package review

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

type AnalyzeFunction func(content string)
type ResetFunction func()

type EditThrottleSettings struct {
	// quiet window after the last edit before one analysis is issued
	QuietTimeout time.Duration
	// content at or under this length resets instead of analyzing
	MinContentLength int
}

func DefaultEditThrottleSettings() *EditThrottleSettings {
	return &EditThrottleSettings{
		QuietTimeout:     1000 * time.Millisecond,
		MinContentLength: 50,
	}
}

// collapses a high frequency edit stream into at most one `analyze` per
// quiet window, carrying the latest content of the burst. empty or short
// content cancels the window and invokes `reset` before `Submit` returns.
// `analyze` runs on the timer goroutine, `reset` on the submitter's.
// at most one timer is live at a time. a superseded or cancelled timer
// never fires its action
type EditThrottle struct {
	ctx context.Context

	analyze AnalyzeFunction
	reset   ResetFunction

	stateLock  sync.Mutex
	generation int
	timer      *time.Timer
	latest     string

	settings *EditThrottleSettings
}

func NewEditThrottleWithDefaults(
	ctx context.Context,
	analyze AnalyzeFunction,
	reset ResetFunction,
) *EditThrottle {
	return NewEditThrottle(ctx, analyze, reset, DefaultEditThrottleSettings())
}

func NewEditThrottle(
	ctx context.Context,
	analyze AnalyzeFunction,
	reset ResetFunction,
	settings *EditThrottleSettings,
) *EditThrottle {
	return &EditThrottle{
		ctx:      ctx,
		analyze:  analyze,
		reset:    reset,
		settings: settings,
	}
}

func (self *EditThrottle) Submit(content string) {
	if self.ctx.Err() != nil {
		return
	}

	if self.resetWorthy(content) {
		// nothing reaches the network for this input
		self.Cancel()
		self.reset()
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.latest = content
	self.generation += 1
	generation := self.generation
	if self.timer != nil {
		self.timer.Stop()
	}
	self.timer = time.AfterFunc(self.settings.QuietTimeout, func() {
		self.fire(generation)
	})
}

// cancels the pending quiet window, if any
func (self *EditThrottle) Cancel() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.generation += 1
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}

func (self *EditThrottle) fire(generation int) {
	self.stateLock.Lock()
	if generation != self.generation {
		// superseded
		self.stateLock.Unlock()
		return
	}
	if self.ctx.Err() != nil {
		self.stateLock.Unlock()
		return
	}
	self.timer = nil
	content := self.latest
	self.stateLock.Unlock()

	// decide once, on the latest content of the burst
	if self.resetWorthy(content) {
		self.reset()
	} else {
		self.analyze(content)
	}
}

func (self *EditThrottle) resetWorthy(content string) bool {
	if strings.TrimSpace(content) == "" {
		return true
	}
	return utf8.RuneCountInString(content) <= self.settings.MinContentLength
}
