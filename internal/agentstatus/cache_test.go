package agentstatus_test

import (
	"testing"
	"time"

	"github.com/basket/taskhub/internal/agentstatus"
)

func TestTaskCounters(t *testing.T) {
	c := agentstatus.New()

	c.TaskStarted("alpha", "t1")
	c.TaskStarted("alpha", "t2")
	st, ok := c.Get("alpha")
	if !ok || st.RunningTasks != 2 {
		t.Fatalf("running = %d, ok = %v", st.RunningTasks, ok)
	}
	if !st.IdleSince.IsZero() {
		t.Fatal("idle while running")
	}

	c.TaskFinished("alpha")
	c.TaskFinished("alpha")
	st, _ = c.Get("alpha")
	if st.RunningTasks != 0 || st.CompletedCount != 2 {
		t.Fatalf("after finish: %+v", st)
	}
	if st.IdleSince.IsZero() {
		t.Fatal("idle timestamp not set when drained")
	}
	if st.CurrentTaskID != "" {
		t.Fatalf("current task lingers: %q", st.CurrentTaskID)
	}
}

func TestFinishedNeverGoesNegative(t *testing.T) {
	c := agentstatus.New()
	// A result for a task dispatched before a hub restart.
	c.TaskFinished("alpha")
	st, _ := c.Get("alpha")
	if st.RunningTasks != 0 || st.CompletedCount != 1 {
		t.Fatalf("counters: %+v", st)
	}
}

func TestApplyOverwrites(t *testing.T) {
	c := agentstatus.New()
	c.TaskStarted("alpha", "t1")

	idle := time.Now().Add(-time.Hour).UTC()
	c.Apply("alpha", 3, "t9", idle)
	st, _ := c.Get("alpha")
	if st.RunningTasks != 3 || st.CurrentTaskID != "t9" || !st.IdleSince.Equal(idle) {
		t.Fatalf("apply not authoritative: %+v", st)
	}
}

func TestForget(t *testing.T) {
	c := agentstatus.New()
	c.TaskStarted("alpha", "t1")
	c.Forget("alpha")
	if _, ok := c.Get("alpha"); ok {
		t.Fatal("entry survives Forget")
	}
}
