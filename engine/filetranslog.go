package engine

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/quarrydb/quarry/internal/fs"
	"github.com/quarrydb/quarry/model"
)

// ErrTranslogClosed is returned by translog operations after Close.
var ErrTranslogClosed = errors.New("translog is closed")

var translogMagic = [4]byte{'Q', 'T', 'L', '1'}

const (
	translogFormatVersion = uint16(1)
	translogHeaderLen     = 8 // magic | version uint16 | reserved uint16
	translogFrameLen      = 8 // record length uint32 | CRC32 uint32
)

// FileTranslog is a durable Translog backed by a single append-only file.
//
// Each record carries its own length and CRC32, so a torn write at the tail
// is detected on open and the valid prefix is kept. TrimBelow rewrites the
// surviving records into a temp file that is synced and renamed into place,
// reclaiming space covered by a commit. Reopening a log does not remember
// past trims; the engine replays from the committed manifest's sequence
// number, so already-committed records are skipped either way.
type FileTranslog struct {
	mu     sync.Mutex
	fsys   fs.FileSystem
	path   string
	file   fs.File
	buf    *bufio.Writer
	sync   bool
	last   model.SeqNo
	closed bool
}

// FileTranslogOption configures a FileTranslog.
type FileTranslogOption func(*FileTranslog)

// WithTranslogSync controls whether every Add fsyncs. Default true; turning
// it off trades a crash window for throughput.
func WithTranslogSync(enabled bool) FileTranslogOption {
	return func(t *FileTranslog) { t.sync = enabled }
}

// NewFileTranslog opens or creates the log at path. A nil fsys uses the
// local file system. An existing log is scanned to its last valid record;
// a corrupt tail is dropped.
func NewFileTranslog(fsys fs.FileSystem, path string, opts ...FileTranslogOption) (*FileTranslog, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	t := &FileTranslog{fsys: fsys, path: path, sync: true}
	for _, opt := range opts {
		opt(t)
	}

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if fi.Size() == 0 {
		if err := t.initHeader(f); err != nil {
			f.Close()
			return nil, err
		}
		t.file = f
		t.buf = bufio.NewWriter(f)
		return t, nil
	}

	ops, validEnd, err := scanTranslog(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	for _, op := range ops {
		if op.SeqNo > t.last {
			t.last = op.SeqNo
		}
	}
	if validEnd < fi.Size() {
		// Torn tail. Keep the valid prefix via a rewrite.
		f.Close()
		if err := t.rewrite(ops); err != nil {
			return nil, err
		}
		return t, nil
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	t.file = f
	t.buf = bufio.NewWriter(f)
	return t, nil
}

func (t *FileTranslog) initHeader(f fs.File) error {
	var hdr [translogHeaderLen]byte
	copy(hdr[0:4], translogMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], translogFormatVersion)
	if _, err := f.Write(hdr[:]); err != nil {
		return err
	}
	return f.Sync()
}

func (t *FileTranslog) Add(op Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTranslogClosed
	}

	payload, err := encodeOperation(op)
	if err != nil {
		return err
	}
	var frame [translogFrameLen]byte
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	if _, err := t.buf.Write(frame[:]); err != nil {
		return err
	}
	if _, err := t.buf.Write(payload); err != nil {
		return err
	}
	if err := t.buf.Flush(); err != nil {
		return err
	}
	if t.sync {
		if err := t.file.Sync(); err != nil {
			return err
		}
	}
	if op.SeqNo > t.last {
		t.last = op.SeqNo
	}
	return nil
}

func (t *FileTranslog) Replay(after model.SeqNo, fn func(Operation) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTranslogClosed
	}
	if err := t.buf.Flush(); err != nil {
		return err
	}
	fi, err := t.file.Stat()
	if err != nil {
		return err
	}
	ops, _, err := scanTranslog(t.file, fi.Size())
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.SeqNo <= after {
			continue
		}
		if err := fn(op); err != nil {
			return err
		}
	}
	return nil
}

// TrimBelow drops every record with a sequence number at or below seqNo by
// rewriting the log. The rewrite is atomic: a crash leaves either the old
// log or the trimmed one.
func (t *FileTranslog) TrimBelow(seqNo model.SeqNo) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTranslogClosed
	}
	if err := t.buf.Flush(); err != nil {
		return err
	}
	fi, err := t.file.Stat()
	if err != nil {
		return err
	}
	ops, _, err := scanTranslog(t.file, fi.Size())
	if err != nil {
		return err
	}
	kept := ops[:0]
	for _, op := range ops {
		if op.SeqNo > seqNo {
			kept = append(kept, op)
		}
	}
	if len(kept) == len(ops) {
		return nil
	}
	if err := t.file.Close(); err != nil {
		return err
	}
	return t.rewrite(kept)
}

// rewrite replaces the log file with one holding exactly ops and leaves the
// translog open for appending. Callers must hold mu with t.file closed.
func (t *FileTranslog) rewrite(ops []Operation) error {
	tmp := t.path + ".tmp"
	f, err := t.fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	finish := func() error {
		var hdr [translogHeaderLen]byte
		copy(hdr[0:4], translogMagic[:])
		binary.LittleEndian.PutUint16(hdr[4:6], translogFormatVersion)
		w := bufio.NewWriter(f)
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		for _, op := range ops {
			payload, err := encodeOperation(op)
			if err != nil {
				return err
			}
			var frame [translogFrameLen]byte
			binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
			binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
			if _, err := w.Write(frame[:]); err != nil {
				return err
			}
			if _, err := w.Write(payload); err != nil {
				return err
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return f.Sync()
	}
	if err := finish(); err != nil {
		f.Close()
		t.fsys.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		t.fsys.Remove(tmp)
		return err
	}
	if err := t.fsys.Rename(tmp, t.path); err != nil {
		t.fsys.Remove(tmp)
		return err
	}
	if err := fs.SyncDir(t.fsys, filepath.Dir(t.path)); err != nil {
		return err
	}

	reopened, err := t.fsys.OpenFile(t.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if _, err := reopened.Seek(0, io.SeekEnd); err != nil {
		reopened.Close()
		return err
	}
	t.file = reopened
	t.buf = bufio.NewWriter(reopened)
	return nil
}

func (t *FileTranslog) LastSeqNo() model.SeqNo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *FileTranslog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.buf.Flush(); err != nil {
		t.file.Close()
		return err
	}
	if err := t.file.Sync(); err != nil {
		t.file.Close()
		return err
	}
	return t.file.Close()
}

// scanTranslog decodes records from the header to the last intact one.
// It returns the decoded operations and the offset where valid data ends;
// an end short of size means the tail is torn or corrupt.
func scanTranslog(f fs.File, size int64) ([]Operation, int64, error) {
	var hdr [translogHeaderLen]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, 0, fmt.Errorf("translog header: %w", err)
	}
	if [4]byte(hdr[0:4]) != translogMagic {
		return nil, 0, fmt.Errorf("not a translog file: bad magic")
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != translogFormatVersion {
		return nil, 0, fmt.Errorf("unsupported translog version: %d", v)
	}

	r := bufio.NewReader(io.NewSectionReader(f, translogHeaderLen, size-translogHeaderLen))
	var ops []Operation
	offset := int64(translogHeaderLen)
	for {
		var frame [translogFrameLen]byte
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			break
		}
		length := binary.LittleEndian.Uint32(frame[0:4])
		sum := binary.LittleEndian.Uint32(frame[4:8])
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != sum {
			break
		}
		op, err := decodeOperation(payload)
		if err != nil {
			break
		}
		ops = append(ops, op)
		offset += translogFrameLen + int64(length)
	}
	return ops, offset, nil
}

// encodeOperation serializes one record:
//
//	kind uint8 | seqno uint64 | id len uint16 | id |
//	(index ops only) fields len uint32 | fields JSON
func encodeOperation(op Operation) ([]byte, error) {
	if len(op.ID) > 0xFFFF {
		return nil, fmt.Errorf("document id too long: %d bytes", len(op.ID))
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(op.Type))

	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], uint64(op.SeqNo))
	buf.Write(scratch[:])

	binary.LittleEndian.PutUint16(scratch[:2], uint16(len(op.ID)))
	buf.Write(scratch[:2])
	buf.WriteString(string(op.ID))

	if op.Type == OpIndex {
		fields, err := json.Marshal(op.Fields)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(fields)))
		buf.Write(scratch[:4])
		buf.Write(fields)
	}
	return buf.Bytes(), nil
}

func decodeOperation(payload []byte) (Operation, error) {
	var op Operation
	r := bytes.NewReader(payload)

	kind, err := r.ReadByte()
	if err != nil {
		return op, err
	}
	op.Type = OpType(kind)
	if op.Type != OpIndex && op.Type != OpDelete {
		return op, fmt.Errorf("unknown translog operation type: %d", kind)
	}

	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return op, err
	}
	op.SeqNo = model.SeqNo(binary.LittleEndian.Uint64(scratch[:]))

	if _, err := io.ReadFull(r, scratch[:2]); err != nil {
		return op, err
	}
	id := make([]byte, binary.LittleEndian.Uint16(scratch[:2]))
	if _, err := io.ReadFull(r, id); err != nil {
		return op, err
	}
	op.ID = model.DocID(id)

	if op.Type == OpIndex {
		if _, err := io.ReadFull(r, scratch[:4]); err != nil {
			return op, err
		}
		fields := make([]byte, binary.LittleEndian.Uint32(scratch[:4]))
		if _, err := io.ReadFull(r, fields); err != nil {
			return op, err
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &op.Fields); err != nil {
				return op, err
			}
		}
	}
	return op, nil
}
