package containerruntime

import (
	"context"
	"testing"
	"time"
)

func TestFake_PullImageThenHasImage(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	if present, _ := f.HasImage(ctx, "lang-python:3.11"); present {
		t.Fatal("expected image to be absent before pull")
	}
	if err := f.PullImage(ctx, "lang-python:3.11"); err != nil {
		t.Fatalf("pull image: %v", err)
	}
	if present, _ := f.HasImage(ctx, "lang-python:3.11"); !present {
		t.Fatal("expected image to be present after pull")
	}
}

func TestFake_NormalExecutionLifecycle(t *testing.T) {
	f := NewFake()
	f.Outcomes["lang-python:3.11"] = FakeOutcome{ExitCode: 0, Stdout: []byte("hi\n")}
	ctx := context.Background()

	var events []LifecycleEvent
	f.OnLifecycleEvent(func(e LifecycleEvent) { events = append(events, e) })

	id, err := f.CreateContainer(ctx, CreateRequest{ExecutionID: "exec-1", Image: "lang-python:3.11"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := f.WaitForExit(ctx, id, time.Second)
	if err != nil {
		t.Fatalf("wait for exit: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", result.ExitCode)
	}

	logs, err := f.GetLogs(ctx, id)
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	if string(logs.Stdout) != "hi\n" {
		t.Fatalf("unexpected stdout: %q", logs.Stdout)
	}

	if err := f.Remove(ctx, id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if f.Count() != 0 {
		t.Fatalf("expected container to be gone after remove, count=%d", f.Count())
	}

	wantTransitions := []State{StateCreated, StateRunning, StateStopped, StateRemoved}
	if len(events) != len(wantTransitions) {
		t.Fatalf("expected %d lifecycle events, got %d: %+v", len(wantTransitions), len(events), events)
	}
	for i, want := range wantTransitions {
		if events[i].To != want {
			t.Fatalf("event %d: expected transition to %s, got %s", i, want, events[i].To)
		}
	}
}

func TestFake_TimeoutIsDistinguishableFromExit(t *testing.T) {
	f := NewFake()
	f.Outcomes["lang-python:3.11"] = FakeOutcome{Hang: true}
	ctx := context.Background()

	id, err := f.CreateContainer(ctx, CreateRequest{ExecutionID: "exec-2", Image: "lang-python:3.11"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = f.WaitForExit(ctx, id, 5*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestFake_OOMKillReportedOnExit(t *testing.T) {
	f := NewFake()
	f.Outcomes["lang-python:3.11"] = FakeOutcome{ExitCode: 137, OOMKilled: true}
	ctx := context.Background()

	id, _ := f.CreateContainer(ctx, CreateRequest{ExecutionID: "exec-3", Image: "lang-python:3.11"})
	_ = f.Start(ctx, id)

	result, err := f.WaitForExit(ctx, id, time.Second)
	if err != nil {
		t.Fatalf("wait for exit: %v", err)
	}
	if !result.OOMKilled {
		t.Fatal("expected OOMKilled=true")
	}
}

func TestFake_StopAndRemoveAreIdempotent(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	id, _ := f.CreateContainer(ctx, CreateRequest{ExecutionID: "exec-4", Image: "lang-python:3.11"})

	if err := f.Stop(ctx, id); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := f.Stop(ctx, id); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
	if err := f.Remove(ctx, id); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if err := f.Remove(ctx, id); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
}

func TestFake_ReapRemovesOnlyContainersOlderThanCutoff(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	oldID, _ := f.CreateContainer(ctx, CreateRequest{ExecutionID: "old", Image: "lang-python:3.11"})
	f.containers[oldID].createdAt = time.Now().Add(-time.Hour)

	newID, _ := f.CreateContainer(ctx, CreateRequest{ExecutionID: "new", Image: "lang-python:3.11"})
	f.containers[newID].createdAt = time.Now()

	removed, err := f.Reap(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed container, got %d", removed)
	}
	if f.Count() != 1 {
		t.Fatalf("expected 1 remaining container, got %d", f.Count())
	}
}

func TestFake_CreateContainerPropagatesCreateErr(t *testing.T) {
	f := NewFake()
	wantErr := context.DeadlineExceeded
	f.Outcomes["broken"] = FakeOutcome{CreateErr: wantErr}

	_, err := f.CreateContainer(context.Background(), CreateRequest{ExecutionID: "exec-5", Image: "broken"})
	if err != wantErr {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}
