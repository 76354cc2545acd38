package util_test

import (
	"testing"
	"time"

	"github.com/synchlab/labctl/util"
)

func TestClampHigh(t *testing.T) {
	if out := util.Clamp(20, 0, 10); out != 10 {
		t.Errorf("expected 20 to clamp to 10, got %f", out)
	}
}

func TestClampLow(t *testing.T) {
	if out := util.Clamp(-1, 0, 10); out != 0 {
		t.Errorf("expected -1 to clamp to 0, got %f", out)
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

func TestEventSetWakesWaiter(t *testing.T) {
	e := util.NewEvent()
	done := make(chan bool)
	go func() { done <- e.Wait(time.Second) }()
	e.Set()
	if !<-done {
		t.Error("waiter timed out on a raised event")
	}
}

func TestEventWaitTimesOut(t *testing.T) {
	e := util.NewEvent()
	if e.Wait(5 * time.Millisecond) {
		t.Error("wait on a cleared event returned true")
	}
}

func TestEventClearLowersFlag(t *testing.T) {
	e := util.NewEvent()
	e.Set()
	if !e.IsSet() {
		t.Fatal("event not set after Set")
	}
	e.Clear()
	if e.IsSet() {
		t.Error("event still set after Clear")
	}
	if e.Wait(5 * time.Millisecond) {
		t.Error("wait returned true after Clear")
	}
}

func TestEventSetIdempotent(t *testing.T) {
	e := util.NewEvent()
	e.Set()
	e.Set() // must not panic on double close
	if !e.Wait(time.Millisecond) {
		t.Error("event lost after double Set")
	}
}
