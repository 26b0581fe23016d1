package review

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testThrottleSettings() *EditThrottleSettings {
	return &EditThrottleSettings{
		QuietTimeout:     50 * time.Millisecond,
		MinContentLength: 50,
	}
}

type throttleRecorder struct {
	analyzed chan string
	resets   chan struct{}
}

func newThrottleRecorder() *throttleRecorder {
	return &throttleRecorder{
		analyzed: make(chan string, 16),
		resets:   make(chan struct{}, 16),
	}
}

func (self *throttleRecorder) analyze(content string) {
	self.analyzed <- content
}

func (self *throttleRecorder) reset() {
	self.resets <- struct{}{}
}

func (self *throttleRecorder) expectAnalyze(t *testing.T) string {
	select {
	case content := <-self.analyzed:
		return content
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for analyze.")
		return ""
	}
}

func (self *throttleRecorder) expectQuiet(t *testing.T) {
	select {
	case content := <-self.analyzed:
		t.Fatalf("Unexpected analyze: %s", content)
	case <-self.resets:
		t.Fatal("Unexpected reset.")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestThrottleBurstCollapses(t *testing.T) {
	ctx := context.Background()
	recorder := newThrottleRecorder()
	throttle := NewEditThrottle(ctx, recorder.analyze, recorder.reset, testThrottleSettings())

	long := strings.Repeat("The apparatus comprises a housing. ", 3)
	for i := 0; i < 10; i += 1 {
		throttle.Submit(fmt.Sprintf("%s rev %d", long, i))
		time.Sleep(5 * time.Millisecond)
	}

	// one analyze per quiet window, carrying the last content of the burst
	content := recorder.expectAnalyze(t)
	assert.Equal(t, content, fmt.Sprintf("%s rev %d", long, 9))
	recorder.expectQuiet(t)
	assert.Equal(t, len(recorder.resets), 0)
}

func TestThrottleShortContentResets(t *testing.T) {
	ctx := context.Background()
	recorder := newThrottleRecorder()
	throttle := NewEditThrottle(ctx, recorder.analyze, recorder.reset, testThrottleSettings())

	long := strings.Repeat("The apparatus comprises a housing. ", 3)
	throttle.Submit(long)
	// reset-worthy input cancels the pending window and resets before returning
	throttle.Submit("too short")
	assert.Equal(t, len(recorder.resets), 1)
	<-recorder.resets
	recorder.expectQuiet(t)
}

func TestThrottleLengthBoundary(t *testing.T) {
	ctx := context.Background()
	recorder := newThrottleRecorder()
	throttle := NewEditThrottle(ctx, recorder.analyze, recorder.reset, testThrottleSettings())

	// exactly at the threshold resets
	throttle.Submit(strings.Repeat("a", 50))
	<-recorder.resets

	// one over the threshold analyzes
	throttle.Submit(strings.Repeat("a", 51))
	content := recorder.expectAnalyze(t)
	assert.Equal(t, content, strings.Repeat("a", 51))

	// whitespace only is empty no matter how long
	throttle.Submit(strings.Repeat(" \t\n", 40))
	<-recorder.resets

	// length is counted in runes, not bytes
	throttle.Submit(strings.Repeat("特", 30))
	<-recorder.resets
	throttle.Submit(strings.Repeat("特", 51))
	content = recorder.expectAnalyze(t)
	assert.Equal(t, content, strings.Repeat("特", 51))
}

func TestThrottleCancel(t *testing.T) {
	ctx := context.Background()
	recorder := newThrottleRecorder()
	throttle := NewEditThrottle(ctx, recorder.analyze, recorder.reset, testThrottleSettings())

	long := strings.Repeat("The apparatus comprises a housing. ", 3)
	throttle.Submit(long)
	throttle.Cancel()
	// a cancelled window never fires
	recorder.expectQuiet(t)

	// cancel with no pending window is a no-op
	throttle.Cancel()
	recorder.expectQuiet(t)
}

func TestThrottleContextCancel(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	recorder := newThrottleRecorder()
	throttle := NewEditThrottle(cancelCtx, recorder.analyze, recorder.reset, testThrottleSettings())

	long := strings.Repeat("The apparatus comprises a housing. ", 3)
	throttle.Submit(long)
	cancel()
	recorder.expectQuiet(t)

	// submits after cancel are ignored
	throttle.Submit(long)
	throttle.Submit("too short")
	recorder.expectQuiet(t)
}
