package queuefile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// newTestFile opens a QueueFile in a temporary directory.
func newTestFile(t *testing.T) (*QueueFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events")
	q, err := Open(path, WithoutSync())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, path
}

// readAll collects every element via ForEach.
func readAll(t *testing.T, q *QueueFile) []string {
	t.Helper()
	var out []string
	err := q.ForEach(func(r io.Reader, length int) (bool, error) {
		data, err := io.ReadAll(r)
		if err != nil {
			return false, err
		}
		if len(data) != length {
			t.Fatalf("element length: got %d, want %d", len(data), length)
		}
		out = append(out, string(data))
		return true, nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	return out
}

func TestOpen_CreatesFile(t *testing.T) {
	q, path := newTestFile(t)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != headerSize {
		t.Errorf("file size: got %d, want %d", info.Size(), headerSize)
	}
	if q.Size() != 0 {
		t.Errorf("Size: got %d, want 0", q.Size())
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAdd_ForEach_FIFO(t *testing.T) {
	q, _ := newTestFile(t)

	for i := 0; i < 10; i++ {
		if err := q.Add([]byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	if q.Size() != 10 {
		t.Fatalf("Size: got %d, want 10", q.Size())
	}

	got := readAll(t, q)
	for i, e := range got {
		want := fmt.Sprintf(`{"n":%d}`, i)
		if e != want {
			t.Errorf("element %d: got %s, want %s", i, e, want)
		}
	}
}

func TestAdd_EmptyElement(t *testing.T) {
	q, _ := newTestFile(t)

	if err := q.Add(nil); err != nil {
		t.Fatalf("Add(nil): %v", err)
	}
	if err := q.Add([]byte("x")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got := readAll(t, q)
	if len(got) != 2 || got[0] != "" || got[1] != "x" {
		t.Fatalf("elements: got %q", got)
	}
}

func TestAdd_TooLarge(t *testing.T) {
	q, _ := newTestFile(t)

	err := q.Add(make([]byte, MaxElementSize+1))
	if !errors.Is(err, ErrElementTooLarge) {
		t.Fatalf("expected ErrElementTooLarge, got %v", err)
	}
	if q.Size() != 0 {
		t.Errorf("Size: got %d, want 0", q.Size())
	}
}

func TestForEach_StopsEarly(t *testing.T) {
	q, _ := newTestFile(t)
	for i := 0; i < 5; i++ {
		q.Add([]byte{byte(i)})
	}

	visited := 0
	err := q.ForEach(func(r io.Reader, length int) (bool, error) {
		visited++
		return visited < 3, nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if visited != 3 {
		t.Errorf("visited: got %d, want 3", visited)
	}
}

func TestForEach_PartialReadStaysAligned(t *testing.T) {
	q, _ := newTestFile(t)
	q.Add([]byte("first-element"))
	q.Add([]byte("second"))

	var seen []string
	err := q.ForEach(func(r io.Reader, length int) (bool, error) {
		// Read only two bytes of each element.
		buf := make([]byte, 2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return false, err
		}
		seen = append(seen, string(buf))
		return true, nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(seen) != 2 || seen[0] != "fi" || seen[1] != "se" {
		t.Fatalf("seen: got %q", seen)
	}
}

func TestForEach_PropagatesVisitorError(t *testing.T) {
	q, _ := newTestFile(t)
	q.Add([]byte("a"))

	sentinel := errors.New("visitor failed")
	err := q.ForEach(func(r io.Reader, length int) (bool, error) {
		return false, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected visitor error, got %v", err)
	}
}

func TestRemove_Prefix(t *testing.T) {
	q, _ := newTestFile(t)
	for i := 0; i < 5; i++ {
		q.Add([]byte(fmt.Sprintf("e%d", i)))
	}

	if err := q.Remove(2); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	got := readAll(t, q)
	want := []string{"e2", "e3", "e4"}
	if len(got) != len(want) {
		t.Fatalf("elements: got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRemove_OutOfRange(t *testing.T) {
	q, _ := newTestFile(t)
	q.Add([]byte("a"))
	q.Add([]byte("b"))

	if err := q.Remove(3); !errors.Is(err, ErrRemoveOutOfRange) {
		t.Fatalf("Remove(3): expected ErrRemoveOutOfRange, got %v", err)
	}
	if err := q.Remove(-1); !errors.Is(err, ErrRemoveOutOfRange) {
		t.Fatalf("Remove(-1): expected ErrRemoveOutOfRange, got %v", err)
	}
	if q.Size() != 2 {
		t.Errorf("Size after failed remove: got %d, want 2", q.Size())
	}
}

func TestRemove_ZeroIsNoop(t *testing.T) {
	q, _ := newTestFile(t)
	q.Add([]byte("a"))

	if err := q.Remove(0); err != nil {
		t.Fatalf("Remove(0): %v", err)
	}
	if q.Size() != 1 {
		t.Errorf("Size: got %d, want 1", q.Size())
	}
}

func TestRemove_AllTruncates(t *testing.T) {
	q, path := newTestFile(t)
	for i := 0; i < 3; i++ {
		q.Add(bytes.Repeat([]byte("x"), 100))
	}

	if err := q.Remove(3); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != headerSize {
		t.Errorf("file size: got %d, want %d", info.Size(), headerSize)
	}

	// The file is still usable.
	if err := q.Add([]byte("after")); err != nil {
		t.Fatalf("Add after clear: %v", err)
	}
	if got := readAll(t, q); len(got) != 1 || got[0] != "after" {
		t.Fatalf("elements: got %q", got)
	}
}

func TestReopen_PreservesContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")

	q1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	for i := 0; i < 4; i++ {
		q1.Add([]byte(fmt.Sprintf("e%d", i)))
	}
	q1.Remove(1)
	if err := q1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	q2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer q2.Close()

	got := readAll(t, q2)
	want := []string{"e1", "e2", "e3"}
	if len(got) != len(want) {
		t.Fatalf("elements: got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestReopen_IgnoresTornAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")

	q1, err := Open(path, WithoutSync())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	q1.Add([]byte("committed"))
	q1.Close()

	// Simulate a crash after the element bytes were written but before the
	// header was updated: a frame past the committed tail.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	f.Write([]byte{0, 0, 0, 9, 1, 2, 3, 4, 'u', 'n', 'c'})
	f.Close()

	q2, err := Open(path, WithoutSync())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	if q2.Size() != 1 {
		t.Fatalf("Size: got %d, want 1", q2.Size())
	}

	// The torn bytes are overwritten by the next append.
	if err := q2.Add([]byte("next")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got := readAll(t, q2)
	if len(got) != 2 || got[0] != "committed" || got[1] != "next" {
		t.Fatalf("elements: got %q", got)
	}
}

func TestOpen_CorruptedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xAB}, 64), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := Open(path)
	if !IsCorrupted(err) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestOpen_ShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Open(path); !IsCorrupted(err) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestOpen_CorruptedElement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	q, err := Open(path, WithoutSync())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	q.Add([]byte("hello world"))
	q.Close()

	// Flip a data byte inside the committed element.
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	f.WriteAt([]byte{'X'}, headerSize+frameHeaderSize+2)
	f.Close()

	if _, err := Open(path); !IsCorrupted(err) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestCompaction_ReclaimsHeadSpace(t *testing.T) {
	q, path := newTestFile(t)

	element := bytes.Repeat([]byte("z"), 64<<10)
	for i := 0; i < 40; i++ {
		payload := append([]byte(fmt.Sprintf("%02d", i)), element...)
		if err := q.Add(payload); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	before, _ := os.Stat(path)

	if err := q.Remove(30); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if after.Size() >= before.Size() {
		t.Fatalf("file not compacted: before=%d after=%d", before.Size(), after.Size())
	}
	if _, err := os.Stat(path + ".compact"); !os.IsNotExist(err) {
		t.Errorf("compaction file left behind: %v", err)
	}

	got := readAll(t, q)
	if len(got) != 10 {
		t.Fatalf("elements: got %d, want 10", len(got))
	}
	if got[0][:2] != "30" || got[9][:2] != "39" {
		t.Errorf("unexpected order after compaction: first=%s last=%s", got[0][:2], got[9][:2])
	}

	// Appends continue after the compacted region and survive reopen.
	if err := q.Add([]byte("tail")); err != nil {
		t.Fatalf("Add after compaction: %v", err)
	}
	q.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Size() != 11 {
		t.Errorf("Size after reopen: got %d, want 11", reopened.Size())
	}
}

func TestUsedBytes(t *testing.T) {
	q, _ := newTestFile(t)
	q.Add(make([]byte, 10))
	q.Add(make([]byte, 20))

	want := int64(2*frameHeaderSize + 30)
	if got := q.UsedBytes(); got != want {
		t.Errorf("UsedBytes: got %d, want %d", got, want)
	}
}

func TestClosed_Errors(t *testing.T) {
	q, _ := newTestFile(t)
	q.Close()

	if err := q.Add([]byte("a")); !errors.Is(err, ErrClosed) {
		t.Errorf("Add after close: got %v", err)
	}
	if err := q.Remove(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Remove after close: got %v", err)
	}
	err := q.ForEach(func(io.Reader, int) (bool, error) { return true, nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("ForEach after close: got %v", err)
	}
	if err := q.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
