// Package queuefile implements the on-disk event log used by the pipeline: a
// crash-safe, append-only file of length-framed byte elements with FIFO order
// and bulk head removal.
//
// File layout (all integers big-endian):
//
//	header (32 bytes)
//	  magic    uint32
//	  version  uint32
//	  count    uint32   committed element count
//	  head     int64    offset of the oldest element
//	  tail     int64    offset one past the newest element
//	  crc      uint32   CRC-32C of the preceding 28 bytes
//	elements
//	  length   uint32
//	  crc      uint32   CRC-32C of data
//	  data     [length]byte
//
// The header is the commit point. Element bytes are written and synced past
// the tail first, then the header is rewritten to include them. Bytes past the
// committed tail (a torn append) are ignored on open and overwritten by the
// next Add. Remove only ever moves the head forward in a single header write.
package queuefile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	headerSize      = 32
	frameHeaderSize = 8
	fileMagic       = 0x4F425146 // "OBQF"
	fileVersion     = 1

	// MaxElementSize is the largest element Add accepts.
	MaxElementSize = 16 << 20

	// compactMinDead is the minimum dead head space before compaction runs.
	compactMinDead = 1 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Visitor is called by ForEach for each element, oldest first. r yields
// exactly length bytes. Returning false stops the iteration; returning an
// error stops it and is propagated to the ForEach caller.
type Visitor func(r io.Reader, length int) (bool, error)

// Option configures a QueueFile.
type Option func(*QueueFile)

// WithoutSync disables fsync after writes. Data survives a process crash but
// not a power loss. Intended for tests and throwaway queues.
func WithoutSync() Option {
	return func(q *QueueFile) {
		q.noSync = true
	}
}

// QueueFile is a durable FIFO of byte elements backed by a single file.
// It is safe for concurrent use by multiple goroutines.
type QueueFile struct {
	mu sync.Mutex

	path   string
	file   *os.File
	count  int
	head   int64
	tail   int64
	closed bool
	noSync bool
}

// Open opens the queue file at path, creating it if it does not exist.
// An existing file is fully validated; any structural problem or checksum
// mismatch returns an error wrapping ErrCorrupted.
func Open(path string, opts ...Option) (*QueueFile, error) {
	if path == "" {
		return nil, fmt.Errorf("queue file path must not be empty")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open queue file: %w", err)
	}

	q := &QueueFile{path: path, file: f}
	for _, opt := range opts {
		opt(q)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat queue file: %w", err)
	}

	if info.Size() == 0 {
		if err := q.commit(0, headerSize, headerSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("initialize queue file: %w", err)
		}
		return q, nil
	}

	if err := q.load(info.Size()); err != nil {
		f.Close()
		return nil, err
	}

	return q, nil
}

// load reads the header and validates every committed element.
func (q *QueueFile) load(fileSize int64) error {
	if fileSize < headerSize {
		return fmt.Errorf("%w: file shorter than header (%d bytes)", ErrCorrupted, fileSize)
	}

	buf := make([]byte, headerSize)
	if _, err := q.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	count, head, tail, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	if head < headerSize || tail < head || tail > fileSize {
		return fmt.Errorf("%w: bad offsets head=%d tail=%d size=%d", ErrCorrupted, head, tail, fileSize)
	}

	br := bufio.NewReaderSize(io.NewSectionReader(q.file, head, tail-head), 64<<10)
	pos := head
	var hdr [frameHeaderSize]byte
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return fmt.Errorf("%w: element %d header: %v", ErrCorrupted, i, err)
		}
		length := int64(binary.BigEndian.Uint32(hdr[0:4]))
		if length > MaxElementSize || pos+frameHeaderSize+length > tail {
			return fmt.Errorf("%w: element %d length %d out of bounds", ErrCorrupted, i, length)
		}

		h := crc32.New(crcTable)
		if _, err := io.CopyN(h, br, length); err != nil {
			return fmt.Errorf("%w: element %d data: %v", ErrCorrupted, i, err)
		}
		if h.Sum32() != binary.BigEndian.Uint32(hdr[4:8]) {
			return fmt.Errorf("%w: element %d checksum mismatch", ErrCorrupted, i)
		}

		pos += frameHeaderSize + length
	}
	if pos != tail {
		return fmt.Errorf("%w: %d trailing bytes inside committed region", ErrCorrupted, tail-pos)
	}

	q.count = count
	q.head = head
	q.tail = tail
	return nil
}

// Add appends one element. On error the element must be considered lost.
func (q *QueueFile) Add(data []byte) error {
	if len(data) > MaxElementSize {
		return fmt.Errorf("%w: %d bytes", ErrElementTooLarge, len(data))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	frame := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(data)))
	binary.BigEndian.PutUint32(frame[4:8], crc32.Checksum(data, crcTable))
	copy(frame[frameHeaderSize:], data)

	if _, err := q.file.WriteAt(frame, q.tail); err != nil {
		return fmt.Errorf("write element: %w", err)
	}
	if err := q.sync(q.file); err != nil {
		return fmt.Errorf("sync element: %w", err)
	}

	return q.commit(q.count+1, q.head, q.tail+int64(len(frame)))
}

// ForEach visits elements oldest to newest until the visitor stops, returns
// an error, or the elements run out. Elements added concurrently are not
// visited; Add and Remove block until ForEach returns.
func (q *QueueFile) ForEach(visit Visitor) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	br := bufio.NewReaderSize(io.NewSectionReader(q.file, q.head, q.tail-q.head), 64<<10)
	var hdr [frameHeaderSize]byte
	for i := 0; i < q.count; i++ {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return fmt.Errorf("%w: element %d header: %v", ErrCorrupted, i, err)
		}
		length := binary.BigEndian.Uint32(hdr[0:4])

		cr := &checksumReader{r: io.LimitReader(br, int64(length)), h: crc32.New(crcTable)}
		more, err := visit(cr, int(length))
		if err != nil {
			return err
		}
		if !more {
			return nil
		}

		// Consume whatever the visitor left so the next frame is aligned.
		if _, err := io.Copy(io.Discard, cr); err != nil {
			return fmt.Errorf("%w: element %d data: %v", ErrCorrupted, i, err)
		}
		if cr.h.Sum32() != binary.BigEndian.Uint32(hdr[4:8]) {
			return fmt.Errorf("%w: element %d checksum mismatch", ErrCorrupted, i)
		}
	}

	return nil
}

// Remove discards the n oldest elements in a single header commit.
// It returns ErrRemoveOutOfRange if n is negative or exceeds Size.
func (q *QueueFile) Remove(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if n < 0 || n > q.count {
		return fmt.Errorf("%w: remove %d of %d", ErrRemoveOutOfRange, n, q.count)
	}
	if n == 0 {
		return nil
	}

	if n == q.count {
		if err := q.commit(0, headerSize, headerSize); err != nil {
			return err
		}
		// Bytes past the tail are ignored, so a failed truncate only wastes space.
		_ = q.file.Truncate(headerSize)
		return nil
	}

	newHead := q.head
	var lenBuf [4]byte
	for i := 0; i < n; i++ {
		if _, err := q.file.ReadAt(lenBuf[:], newHead); err != nil {
			return fmt.Errorf("read element %d length: %w", i, err)
		}
		newHead += frameHeaderSize + int64(binary.BigEndian.Uint32(lenBuf[:]))
	}

	if err := q.commit(q.count-n, newHead, q.tail); err != nil {
		return err
	}

	// A failed compaction leaves the committed file intact; it is retried on
	// the next removal.
	_ = q.compact()
	return nil
}

// Size returns the number of committed elements.
func (q *QueueFile) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// UsedBytes returns the number of bytes occupied by committed elements,
// including their frame headers.
func (q *QueueFile) UsedBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tail - q.head
}

// Path returns the file path.
func (q *QueueFile) Path() string {
	return q.path
}

// Close closes the underlying file. The contents are kept for the next Open.
func (q *QueueFile) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	return q.file.Close()
}

// commit writes and syncs the header, then publishes the new state in memory.
// Caller must hold q.mu.
func (q *QueueFile) commit(count int, head, tail int64) error {
	if _, err := q.file.WriteAt(encodeHeader(count, head, tail), 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := q.sync(q.file); err != nil {
		return fmt.Errorf("sync header: %w", err)
	}

	q.count = count
	q.head = head
	q.tail = tail
	return nil
}

// compact rewrites the live region to the front of a fresh file once the dead
// head space is at least compactMinDead and more than half of the file.
// The replacement is renamed over the original, so a crash leaves either the
// old or the new file. Caller must hold q.mu.
func (q *QueueFile) compact() error {
	dead := q.head - headerSize
	if dead < compactMinDead || dead*2 < q.tail {
		return nil
	}

	live := q.tail - q.head
	tmpPath := q.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create compaction file: %w", err)
	}

	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	if _, err := tmp.WriteAt(encodeHeader(q.count, headerSize, headerSize+live), 0); err != nil {
		return fail(fmt.Errorf("write compaction header: %w", err))
	}
	if _, err := io.Copy(io.NewOffsetWriter(tmp, headerSize), io.NewSectionReader(q.file, q.head, live)); err != nil {
		return fail(fmt.Errorf("copy live elements: %w", err))
	}
	if err := q.sync(tmp); err != nil {
		return fail(fmt.Errorf("sync compaction file: %w", err))
	}
	if err := os.Rename(tmpPath, q.path); err != nil {
		return fail(fmt.Errorf("rename compaction file: %w", err))
	}
	q.syncDir()

	q.file.Close()
	q.file = tmp
	q.head = headerSize
	q.tail = headerSize + live
	return nil
}

func (q *QueueFile) sync(f *os.File) error {
	if q.noSync {
		return nil
	}
	return f.Sync()
}

// syncDir persists the rename. Some platforms cannot fsync a directory.
func (q *QueueFile) syncDir() {
	if q.noSync {
		return
	}
	dir, err := os.Open(filepath.Dir(q.path))
	if err != nil {
		return
	}
	_ = dir.Sync()
	dir.Close()
}

func encodeHeader(count int, head, tail int64) []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], fileMagic)
	binary.BigEndian.PutUint32(buf[4:8], fileVersion)
	binary.BigEndian.PutUint32(buf[8:12], uint32(count))
	binary.BigEndian.PutUint64(buf[12:20], uint64(head))
	binary.BigEndian.PutUint64(buf[20:28], uint64(tail))
	binary.BigEndian.PutUint32(buf[28:32], crc32.Checksum(buf[:28], crcTable))
	return buf
}

func decodeHeader(buf []byte) (count int, head, tail int64, err error) {
	if binary.BigEndian.Uint32(buf[0:4]) != fileMagic {
		return 0, 0, 0, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	if v := binary.BigEndian.Uint32(buf[4:8]); v != fileVersion {
		return 0, 0, 0, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, v)
	}
	if crc32.Checksum(buf[:28], crcTable) != binary.BigEndian.Uint32(buf[28:32]) {
		return 0, 0, 0, fmt.Errorf("%w: header checksum mismatch", ErrCorrupted)
	}

	count = int(binary.BigEndian.Uint32(buf[8:12]))
	head = int64(binary.BigEndian.Uint64(buf[12:20]))
	tail = int64(binary.BigEndian.Uint64(buf[20:28]))
	return count, head, tail, nil
}

// checksumReader hashes everything read through it.
type checksumReader struct {
	r io.Reader
	h hash.Hash32
}

func (c *checksumReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.h.Write(p[:n])
	return n, err
}

// IsCorrupted reports whether err indicates a structurally invalid file.
func IsCorrupted(err error) bool {
	return errors.Is(err, ErrCorrupted)
}
