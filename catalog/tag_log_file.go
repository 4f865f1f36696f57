package catalog

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"
)

// TagLogFileName is the default file name for the tag/attribute side file
// within a catalog's schema directory.
const TagLogFileName = "tlog.bin"

// TagLogFile is a fixed-record random-access file storing a leaf's
// tags/attributes maps by byte offset. Modeled on the teacher's
// series_segment.go: an append-only file of fixed-size entries addressed
// by byte offset, written with an explicit flush/sync before the caller is
// told the write committed. Records are never reclaimed on delete.
type TagLogFile struct {
	path        string
	f           *os.File
	size        int64
	recordBytes int
}

// OpenTagLogFile opens (creating if necessary) the tag log file at path.
// recordBytes is the fixed size every record is zero-padded to; it governs
// Write, which does not take a recordBytes argument because the file's
// configured record size is authoritative for every record it stores.
func OpenTagLogFile(path string, recordBytes int) (*TagLogFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, wrapErr(EIo, "OpenTagLogFile", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapErr(EIo, "OpenTagLogFile", err)
	}
	return &TagLogFile{path: path, f: f, size: info.Size(), recordBytes: recordBytes}, nil
}

// Close closes the underlying file.
func (tf *TagLogFile) Close() error {
	if tf.f == nil {
		return nil
	}
	return tf.f.Close()
}

// Write appends a new record at end-of-file and returns its byte offset.
// Fails PayloadTooLarge if the serialized pair exceeds the file's
// configured record size.
func (tf *TagLogFile) Write(tags, attributes map[string]string) (int64, error) {
	buf, err := encodeTagRecord(tags, attributes, tf.recordBytes)
	if err != nil {
		return -1, err
	}
	offset := tf.size
	if _, err := tf.f.WriteAt(buf, offset); err != nil {
		return -1, wrapErr(EIo, "Write", err)
	}
	if err := tf.f.Sync(); err != nil {
		return -1, wrapErr(EIo, "Write", err)
	}
	tf.size += int64(len(buf))
	return offset, nil
}

// Read reads exactly recordBytes at offset and deserializes the tag and
// attribute maps. Fails Corrupt on decode error.
func (tf *TagLogFile) Read(recordBytes int, offset int64) (map[string]string, map[string]string, error) {
	buf := make([]byte, recordBytes)
	if _, err := tf.f.ReadAt(buf, offset); err != nil {
		return nil, nil, wrapErr(EIo, "Read", err)
	}
	return decodeTagRecord(buf)
}

// ReadTag is Read but discards the attribute map.
func (tf *TagLogFile) ReadTag(recordBytes int, offset int64) (map[string]string, error) {
	tags, _, err := tf.Read(recordBytes, offset)
	return tags, err
}

func encodeTagRecord(tags, attributes map[string]string, recordBytes int) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeTagMap(&buf, tags); err != nil {
		if Is(err, EPayloadTooLarge) {
			return nil, err
		}
		return nil, wrapErr(EIo, "encodeTagRecord", err)
	}
	if err := writeTagMap(&buf, attributes); err != nil {
		if Is(err, EPayloadTooLarge) {
			return nil, err
		}
		return nil, wrapErr(EIo, "encodeTagRecord", err)
	}
	if buf.Len() > recordBytes {
		return nil, newErr(EPayloadTooLarge, "encodeTagRecord", "serialized tags/attributes exceed the configured record size")
	}
	out := make([]byte, recordBytes)
	copy(out, buf.Bytes())
	return out, nil
}

func writeTagMap(buf *bytes.Buffer, m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := binary.Write(buf, binary.BigEndian, uint32(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := writeTagString(buf, k); err != nil {
			return err
		}
		if err := writeTagString(buf, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func writeTagString(buf *bytes.Buffer, s string) error {
	if len(s) > 1<<16-1 {
		return newErr(EPayloadTooLarge, "writeTagString", "tag key/value too long")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func decodeTagRecord(data []byte) (map[string]string, map[string]string, error) {
	r := bytes.NewReader(data)
	tags, err := readTagMap(r, len(data))
	if err != nil {
		return nil, nil, wrapErr(ECorrupt, "decodeTagRecord", err)
	}
	attrs, err := readTagMap(r, len(data))
	if err != nil {
		return nil, nil, wrapErr(ECorrupt, "decodeTagRecord", err)
	}
	return tags, attrs, nil
}

func readTagMap(r *bytes.Reader, recordBytes int) (map[string]string, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	// A corrupt or zero-padded-past-data record can yield a nonsensical
	// count; bound it by the record size so decoding cannot allocate wildly
	// or loop past the buffer.
	if int(count) > recordBytes {
		return nil, io.ErrUnexpectedEOF
	}
	m := make(map[string]string, count)
	for i := 0; i < int(count); i++ {
		k, err := readTagString(r)
		if err != nil {
			return nil, err
		}
		v, err := readTagString(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func readTagString(r *bytes.Reader) (string, error) {
	var l uint16
	if err := binary.Read(r, binary.BigEndian, &l); err != nil {
		return "", err
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
