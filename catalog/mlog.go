package catalog

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// MLogFileName is the default file name for the operation log within a
// catalog's schema directory.
const MLogFileName = "mlog.txt"

// Opcodes recognized by the operation log, per the catalog's log format.
const (
	OpCreateTimeSeries   = "create_timeseries"
	OpDeleteTimeSeries   = "delete_timeseries"
	OpSetStorageGroup    = "set_storage_group"
	OpDeleteStorageGroup = "delete_storage_group"
	OpSetTTL             = "set_ttl"
)

// Operation is one parsed line of the operation log.
type Operation struct {
	Opcode        string
	Path          string
	DataType      DataType
	Encoding      Encoding
	Compressor    Compressor
	Props         map[string]string
	Alias         string
	TagOffset     int64
	StorageGroups []string
	TTLMillis     int64
}

// MLogWriter appends operation-log lines. It performs no locking of its
// own; the façade serializes all access through its reader/writer lock, the
// same layering the teacher's append logs (e.g. tsm1's WAL) assume of their
// caller.
type MLogWriter struct {
	path string
	f    *os.File
	w    *bufio.Writer
}

// OpenMLogWriter opens (creating if necessary) the operation log for
// appending.
func OpenMLogWriter(path string) (*MLogWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, wrapErr(EIo, "OpenMLogWriter", err)
	}
	return &MLogWriter{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Close flushes and closes the log file.
func (w *MLogWriter) Close() error {
	if w.f == nil {
		return nil
	}
	if err := w.flush(); err != nil {
		return err
	}
	return w.f.Close()
}

// append writes line plus a trailing newline and flushes it to disk before
// returning, so that a committed return-to-caller implies the line is on
// disk (the last line may still be lost on crash mid-write; every prior
// line is durable).
func (w *MLogWriter) append(line string) error {
	if _, err := w.w.WriteString(line); err != nil {
		return wrapErr(EIo, "append", err)
	}
	if _, err := w.w.WriteString("\n"); err != nil {
		return wrapErr(EIo, "append", err)
	}
	return w.flush()
}

func (w *MLogWriter) flush() error {
	if err := w.w.Flush(); err != nil {
		return wrapErr(EIo, "flush", err)
	}
	if err := w.f.Sync(); err != nil {
		return wrapErr(EIo, "flush", err)
	}
	return nil
}

func encodeProps(props map[string]string) string {
	if len(props) == 0 {
		return ""
	}
	parts := make([]string, 0, len(props))
	for k, v := range props {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "&")
}

// AppendCreateTimeSeries appends a create_timeseries line.
func (w *MLogWriter) AppendCreateTimeSeries(path string, dt DataType, enc Encoding, comp Compressor, props map[string]string, alias string, tagOffset int64) error {
	line := fmt.Sprintf("%s,%s,%d,%d,%d,%s,%s,%d",
		OpCreateTimeSeries, path, dt, enc, comp, encodeProps(props), alias, tagOffset)
	return w.append(line)
}

// AppendDeleteTimeSeries appends a delete_timeseries line.
func (w *MLogWriter) AppendDeleteTimeSeries(path string) error {
	return w.append(fmt.Sprintf("%s,%s", OpDeleteTimeSeries, path))
}

// AppendSetStorageGroup appends a set_storage_group line.
func (w *MLogWriter) AppendSetStorageGroup(path string) error {
	return w.append(fmt.Sprintf("%s,%s", OpSetStorageGroup, path))
}

// AppendDeleteStorageGroup appends a delete_storage_group line covering one
// or more storage groups.
func (w *MLogWriter) AppendDeleteStorageGroup(storageGroups []string) error {
	return w.append(strings.Join(append([]string{OpDeleteStorageGroup}, storageGroups...), ","))
}

// AppendSetTTL appends a set_ttl line.
func (w *MLogWriter) AppendSetTTL(path string, ttlMillis int64) error {
	return w.append(fmt.Sprintf("%s,%s,%d", OpSetTTL, path, ttlMillis))
}

// ParseOperation decodes one operation-log line.
func ParseOperation(line string) (Operation, error) {
	fields := strings.Split(line, ",")
	if len(fields) == 0 {
		return Operation{}, newErr(ECorrupt, "ParseOperation", "empty line")
	}
	switch fields[0] {
	case OpCreateTimeSeries:
		if len(fields) != 8 {
			return Operation{}, newErr(ECorrupt, "ParseOperation", "malformed create_timeseries line: "+line)
		}
		dt, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return Operation{}, wrapErr(ECorrupt, "ParseOperation", err)
		}
		enc, err := strconv.ParseUint(fields[3], 10, 16)
		if err != nil {
			return Operation{}, wrapErr(ECorrupt, "ParseOperation", err)
		}
		comp, err := strconv.ParseUint(fields[4], 10, 16)
		if err != nil {
			return Operation{}, wrapErr(ECorrupt, "ParseOperation", err)
		}
		tagOffset, err := strconv.ParseInt(fields[7], 10, 64)
		if err != nil {
			return Operation{}, wrapErr(ECorrupt, "ParseOperation", err)
		}
		var props map[string]string
		if fields[5] != "" {
			props = make(map[string]string)
			for _, kv := range strings.Split(fields[5], "&") {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					return Operation{}, newErr(ECorrupt, "ParseOperation", "malformed props: "+kv)
				}
				props[parts[0]] = parts[1]
			}
		}
		return Operation{
			Opcode:     OpCreateTimeSeries,
			Path:       fields[1],
			DataType:   DataType(dt),
			Encoding:   Encoding(enc),
			Compressor: Compressor(comp),
			Props:      props,
			Alias:      fields[6],
			TagOffset:  tagOffset,
		}, nil
	case OpDeleteTimeSeries:
		if len(fields) != 2 {
			return Operation{}, newErr(ECorrupt, "ParseOperation", "malformed delete_timeseries line: "+line)
		}
		return Operation{Opcode: OpDeleteTimeSeries, Path: fields[1]}, nil
	case OpSetStorageGroup:
		if len(fields) != 2 {
			return Operation{}, newErr(ECorrupt, "ParseOperation", "malformed set_storage_group line: "+line)
		}
		return Operation{Opcode: OpSetStorageGroup, Path: fields[1]}, nil
	case OpDeleteStorageGroup:
		if len(fields) < 2 {
			return Operation{}, newErr(ECorrupt, "ParseOperation", "malformed delete_storage_group line: "+line)
		}
		return Operation{Opcode: OpDeleteStorageGroup, StorageGroups: fields[1:]}, nil
	case OpSetTTL:
		if len(fields) != 3 {
			return Operation{}, newErr(ECorrupt, "ParseOperation", "malformed set_ttl line: "+line)
		}
		ttl, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return Operation{}, wrapErr(ECorrupt, "ParseOperation", err)
		}
		return Operation{Opcode: OpSetTTL, Path: fields[1], TTLMillis: ttl}, nil
	default:
		return Operation{}, newErr(ECorrupt, "ParseOperation", "unrecognized opcode: "+fields[0])
	}
}

// Replayer replays an operation log against an Apply callback, skipping and
// logging any line that fails to parse or apply. Replay never aborts on a
// single bad line.
type Replayer struct {
	Apply  func(Operation) error
	Logger *zap.Logger
}

func (r *Replayer) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Replay reads path line by line and applies each operation. A missing
// file is not an error: it means the catalog starts empty.
func (r *Replayer) Replay(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return wrapErr(EIo, "Replay", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		op, err := ParseOperation(line)
		if err != nil {
			r.logger().Error("skipping unparseable metadata log line", zap.String("line", line), zap.Error(err))
			continue
		}
		if err := r.Apply(op); err != nil {
			r.logger().Error("skipping metadata log line that failed to apply", zap.String("line", line), zap.Error(err))
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return wrapErr(EIo, "Replay", err)
	}
	return nil
}
