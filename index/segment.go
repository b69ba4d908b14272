package index

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/quarrydb/quarry/model"
)

var (
	segmentMagic    = [4]byte{'Q', 'S', 'G', '1'}
	segmentEndMagic = [4]byte{'Q', 'E', 'N', '1'}
)

const segmentFormatVersion = uint16(1)

type entryKind uint8

const (
	entryDocument  entryKind = 1
	entryTombstone entryKind = 2
)

// entry is one decoded record of a segment file. fields aliases the mapped
// segment bytes and must not outlive the mapping.
type entry struct {
	kind   entryKind
	seqNo  model.SeqNo
	id     model.DocID
	fields []byte
}

func (e entry) document() (model.Document, error) {
	doc := model.Document{ID: e.id, Version: e.seqNo}
	if len(e.fields) > 0 {
		if err := json.Unmarshal(e.fields, &doc.Fields); err != nil {
			return model.Document{}, fmt.Errorf("%w: undecodable document %q: %v", ErrCorrupted, e.id, err)
		}
	}
	return doc, nil
}

// encodeSegment serializes entries into the on-disk segment format:
//
//	header (12 bytes): magic | version uint16 | reserved uint16 | entry count uint32
//	per entry: kind uint8 | seqno uint64 | id len uint16 | id |
//	           (documents only) fields len uint32 | fields JSON
//	footer (8 bytes): CRC32 over header+body | end magic
func encodeSegment(entries []entry) ([]byte, error) {
	var buf bytes.Buffer

	var hdr [12]byte
	copy(hdr[0:4], segmentMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], segmentFormatVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(entries)))
	buf.Write(hdr[:])

	for _, e := range entries {
		if len(e.id) > 0xFFFF {
			return nil, fmt.Errorf("document id too long: %d bytes", len(e.id))
		}
		buf.WriteByte(byte(e.kind))

		var scratch [8]byte
		binary.LittleEndian.PutUint64(scratch[:], uint64(e.seqNo))
		buf.Write(scratch[:])

		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(e.id)))
		buf.Write(scratch[:2])
		buf.WriteString(string(e.id))

		if e.kind == entryDocument {
			binary.LittleEndian.PutUint32(scratch[:4], uint32(len(e.fields)))
			buf.Write(scratch[:4])
			buf.Write(e.fields)
		}
	}

	sum := crc32.ChecksumIEEE(buf.Bytes())
	var foot [8]byte
	binary.LittleEndian.PutUint32(foot[0:4], sum)
	copy(foot[4:8], segmentEndMagic[:])
	buf.Write(foot[:])

	return buf.Bytes(), nil
}

// decodeSegment parses and verifies a segment file. Returned entries alias
// data.
func decodeSegment(path string, data []byte) ([]entry, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("%w: segment %s truncated (%d bytes)", ErrCorrupted, path, len(data))
	}
	if [4]byte(data[0:4]) != segmentMagic {
		return nil, fmt.Errorf("%w: segment %s has bad magic", ErrCorrupted, path)
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != segmentFormatVersion {
		return nil, fmt.Errorf("%w: segment %s has unsupported version %d", ErrCorrupted, path, v)
	}

	foot := data[len(data)-8:]
	if [4]byte(foot[4:8]) != segmentEndMagic {
		return nil, fmt.Errorf("%w: segment %s has no footer", ErrCorrupted, path)
	}
	expected := binary.LittleEndian.Uint32(foot[0:4])
	if actual := crc32.ChecksumIEEE(data[:len(data)-8]); actual != expected {
		return nil, &ChecksumMismatchError{Path: path, Expected: expected, Actual: actual}
	}

	count := int(binary.LittleEndian.Uint32(data[8:12]))
	body := data[12 : len(data)-8]
	entries := make([]entry, 0, count)

	off := 0
	for i := 0; i < count; i++ {
		if off+11 > len(body) {
			return nil, fmt.Errorf("%w: segment %s entry %d truncated", ErrCorrupted, path, i)
		}
		kind := entryKind(body[off])
		off++
		seqNo := model.SeqNo(binary.LittleEndian.Uint64(body[off : off+8]))
		off += 8
		idLen := int(binary.LittleEndian.Uint16(body[off : off+2]))
		off += 2
		if off+idLen > len(body) {
			return nil, fmt.Errorf("%w: segment %s entry %d truncated", ErrCorrupted, path, i)
		}
		id := model.DocID(body[off : off+idLen])
		off += idLen

		e := entry{kind: kind, seqNo: seqNo, id: id}
		switch kind {
		case entryDocument:
			if off+4 > len(body) {
				return nil, fmt.Errorf("%w: segment %s entry %d truncated", ErrCorrupted, path, i)
			}
			fieldsLen := int(binary.LittleEndian.Uint32(body[off : off+4]))
			off += 4
			if off+fieldsLen > len(body) {
				return nil, fmt.Errorf("%w: segment %s entry %d truncated", ErrCorrupted, path, i)
			}
			e.fields = body[off : off+fieldsLen]
			off += fieldsLen
		case entryTombstone:
			// no payload
		default:
			return nil, fmt.Errorf("%w: segment %s entry %d has unknown kind %d", ErrCorrupted, path, i, kind)
		}
		entries = append(entries, e)
	}
	if off != len(body) {
		return nil, fmt.Errorf("%w: segment %s has %d trailing bytes", ErrCorrupted, path, len(body)-off)
	}
	return entries, nil
}

// segmentFileName returns the canonical file name for segment number n.
func segmentFileName(n uint64) string {
	return fmt.Sprintf("seg-%06d.dat", n)
}

// segmentName returns the canonical segment name for segment number n.
func segmentName(n uint64) string {
	return fmt.Sprintf("seg-%06d", n)
}
