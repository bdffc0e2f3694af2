package instance

import "testing"

func TestEmitter(t *testing.T) {
	e := NewEmitter(nil)

	var calls []string
	offA := e.On(EventReady, func(Event) { calls = append(calls, "a") })
	e.On(EventReady, func(Event) { calls = append(calls, "b") })
	e.On(EventUpdate, func(Event) { calls = append(calls, "update") })

	e.Emit(Event{Name: EventReady})
	offA()
	offA()
	e.Emit(Event{Name: EventReady})

	if got := len(calls); got != 3 || calls[0] != "a" || calls[1] != "b" || calls[2] != "b" {
		t.Fatalf("calls = %v, want [a b b]", calls)
	}
	if n := e.ListenerCount(EventReady); n != 1 {
		t.Fatalf("ListenerCount(ready) = %d, want 1", n)
	}

	e.RemoveAllListeners(EventReady)
	if e.ListenerCount(EventReady) != 0 || e.ListenerCount(EventUpdate) != 1 {
		t.Fatal("RemoveAllListeners(ready) should only drop ready listeners")
	}

	e.RemoveAllListeners()
	if e.ListenerCount(EventUpdate) != 0 {
		t.Fatal("RemoveAllListeners() should drop every listener")
	}
}

func TestEmitterUnsubscribeDuringEmit(t *testing.T) {
	e := NewEmitter(nil)

	calls := 0
	var off func()
	off = e.On(EventRefresh, func(Event) {
		calls++
		off()
	})
	e.On(EventRefresh, func(Event) { calls++ })

	e.Emit(Event{Name: EventRefresh})
	e.Emit(Event{Name: EventRefresh})

	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestEmitterNilListener(t *testing.T) {
	e := NewEmitter(nil)
	e.On(EventReady, nil)()
	if e.ListenerCount(EventReady) != 0 {
		t.Fatal("nil listener should not be registered")
	}
}

func TestListenerPanicIsRecovered(t *testing.T) {
	inst := newTestInstance(t)
	inst.On(EventUpdate, func(Event) { panic("listener") })

	if err := inst.SetDatafile(revision(instanceDatafile, "2")); err != nil {
		t.Fatalf("SetDatafile() error = %v", err)
	}
	if inst.Revision() != "2" {
		t.Fatal("datafile should be installed despite a panicking listener")
	}
}

func TestEmitterPanickingListenerDoesNotStopOthers(t *testing.T) {
	var panicked []any
	e := NewEmitter(func(_ Event, r any) { panicked = append(panicked, r) })

	var calls []string
	e.On(EventUpdate, func(Event) { calls = append(calls, "first") })
	e.On(EventUpdate, func(Event) { panic("boom") })
	e.On(EventUpdate, func(Event) { calls = append(calls, "last") })

	e.Emit(Event{Name: EventUpdate})

	if len(calls) != 2 || calls[0] != "first" || calls[1] != "last" {
		t.Fatalf("calls = %v, want [first last]", calls)
	}
	if len(panicked) != 1 || panicked[0] != "boom" {
		t.Fatalf("panics reported = %v, want [boom]", panicked)
	}
}

func TestInstanceListenersRunAfterPanic(t *testing.T) {
	inst := newTestInstance(t)
	inst.On(EventUpdate, func(Event) { panic("listener") })
	reached := false
	inst.On(EventUpdate, func(Event) { reached = true })

	if err := inst.SetDatafile(revision(instanceDatafile, "2")); err != nil {
		t.Fatalf("SetDatafile() error = %v", err)
	}
	if !reached {
		t.Fatal("listener registered after a panicking one was not called")
	}
}
