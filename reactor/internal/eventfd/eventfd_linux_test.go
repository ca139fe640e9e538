package eventfd

import "testing"

func TestNew(t *testing.T) {
	efd, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer efd.Close()

	if efd.Fd() < 0 {
		t.Fatalf("invalid fd %d", efd.Fd())
	}
}

func TestReadWriteEvent(t *testing.T) {
	efd, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer efd.Close()

	const want uint64 = 0x78
	if err := efd.WriteEvent(want); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	got, err := efd.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if got != want {
		t.Fatalf("ReadEvent = %d, want %d", got, want)
	}
}

func TestReadEventDrainsAccumulated(t *testing.T) {
	efd, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer efd.Close()

	if err := efd.WriteEvent(1); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := efd.WriteEvent(1); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	got, err := efd.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if got != 2 {
		t.Fatalf("ReadEvent = %d, want 2 (kernel counter accumulates)", got)
	}

	if _, err := efd.ReadEvent(); err == nil {
		t.Fatalf("expected EAGAIN on drained eventfd, got nil error")
	}
}
