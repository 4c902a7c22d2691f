package aether

import (
	"bytes"
	"testing"
	"time"
)

func TestMethodCallEncodesIDPrefix(t *testing.T) {
	m := Method[int]{ID: 7, Encode: func(v int) []byte { return []byte{byte(v)} }}
	got := m.Call(42)
	want := []byte{7, 42}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDispatchInvokeRoundTrip(t *testing.T) {
	d := NewDispatch()
	d.Register(MethodID(1), func(args []byte) ([]byte, error) {
		return append([]byte("got:"), args...), nil
	})
	resp, err := d.Invoke(append([]byte{1}, []byte("hello")...))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(resp) != "got:hello" {
		t.Fatalf("got %q, want %q", resp, "got:hello")
	}
}

func TestDispatchInvokeUnknownMethod(t *testing.T) {
	d := NewDispatch()
	if _, err := d.Invoke([]byte{99}); err == nil {
		t.Fatal("expected an error for an unregistered method id")
	}
}

func TestDispatchInvokeEmptyFrame(t *testing.T) {
	d := NewDispatch()
	if _, err := d.Invoke(nil); err == nil {
		t.Fatal("expected an error for an empty frame")
	}
}

func TestDispatchRegisterDuplicatePanics(t *testing.T) {
	d := NewDispatch()
	d.Register(MethodID(1), func([]byte) ([]byte, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on duplicate method id registration")
		}
	}()
	d.Register(MethodID(1), func([]byte) ([]byte, error) { return nil, nil })
}

func TestApiPromiseResolvesOnResponse(t *testing.T) {
	promise := newApiPromise(func(b []byte) (int, error) { return int(b[0]), nil }, time.Time{})
	promise.onResponse([]byte{42})

	status := promise.Update(time.Now())
	if status.Kind != StatusResult {
		t.Fatalf("Update = %v, want StatusResult", status.Kind)
	}
	v, err := promise.Value()
	if err != nil || v != 42 {
		t.Fatalf("Value() = %d, %v; want 42, nil", v, err)
	}
}

func TestApiPromiseTimesOut(t *testing.T) {
	deadline := time.Now().Add(-time.Second)
	promise := newApiPromise(func(b []byte) (int, error) { return 0, nil }, deadline)

	status := promise.Update(time.Now())
	if status.Kind != StatusError {
		t.Fatalf("Update = %v, want StatusError once the deadline has passed", status.Kind)
	}
}

func TestCallMethodRoundTrip(t *testing.T) {
	loA, loB := pairFakeStreams()
	sched := NewScheduler()
	client := NewRPCClient(loA, sched, time.Second)

	loB.OutData().Subscribe(func(frame []byte) {
		callID := frame[:4]
		args := frame[6:]
		response := append(append([]byte{}, callID...), []byte("echo:"+string(args))...)
		loB.Write(response)
	})

	echoMethod := Method[string]{
		ID:     5,
		Encode: func(s string) []byte { return []byte(s) },
	}
	promise := CallMethod[string, string](client, coreSubAPI, echoMethod, "hi", func(b []byte) (string, error) {
		return string(b), nil
	})

	got, err := promise.Value()
	if err != nil {
		t.Fatalf("promise error: %v", err)
	}
	if got != "echo:hi" {
		t.Fatalf("got %q, want %q", got, "echo:hi")
	}
	if status := promise.Update(time.Now()); status.Kind != StatusResult {
		t.Fatalf("Update after resolution = %v, want StatusResult", status.Kind)
	}
}

func TestNotifySendsFireAndForget(t *testing.T) {
	loA, loB := pairFakeStreams()
	sched := NewScheduler()
	client := NewRPCClient(loA, sched, 0)

	var got []byte
	loB.OutData().Subscribe(func(b []byte) { got = append([]byte(nil), b...) })

	notifyMethod := Method[int]{ID: 9, Encode: func(v int) []byte { return []byte{byte(v)} }}
	action := Notify(client, coreSubAPI, notifyMethod, 42)
	if err := action.Wait(); err != nil {
		t.Fatalf("notify write: %v", err)
	}
	want := []byte{byte(coreSubAPI), 9, 42}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
