package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMLogAppendAndParseCreateTimeSeries(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenMLogWriter(filepath.Join(dir, MLogFileName))
	require.NoError(t, err)
	defer w.Close()

	props := map[string]string{"max_point_number": "2"}
	require.NoError(t, w.AppendCreateTimeSeries("root.sg1.d1.s1", DataTypeFloat, EncodingGorilla, CompressorLZ4, props, "temp", 128))

	lines := readAllLines(t, filepath.Join(dir, MLogFileName))
	require.Len(t, lines, 1)

	op, err := ParseOperation(lines[0])
	require.NoError(t, err)
	assert.Equal(t, OpCreateTimeSeries, op.Opcode)
	assert.Equal(t, "root.sg1.d1.s1", op.Path)
	assert.Equal(t, DataTypeFloat, op.DataType)
	assert.Equal(t, EncodingGorilla, op.Encoding)
	assert.Equal(t, CompressorLZ4, op.Compressor)
	assert.Equal(t, "2", op.Props["max_point_number"])
	assert.Equal(t, "temp", op.Alias)
	assert.Equal(t, int64(128), op.TagOffset)
}

func TestMLogAppendAndParseAllOpcodes(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenMLogWriter(filepath.Join(dir, MLogFileName))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendSetStorageGroup("root.sg1"))
	require.NoError(t, w.AppendDeleteTimeSeries("root.sg1.d1.s1"))
	require.NoError(t, w.AppendDeleteStorageGroup([]string{"root.sg1", "root.sg2"}))
	require.NoError(t, w.AppendSetTTL("root.sg3", 3600000))

	lines := readAllLines(t, filepath.Join(dir, MLogFileName))
	require.Len(t, lines, 4)

	op, err := ParseOperation(lines[0])
	require.NoError(t, err)
	assert.Equal(t, OpSetStorageGroup, op.Opcode)
	assert.Equal(t, "root.sg1", op.Path)

	op, err = ParseOperation(lines[1])
	require.NoError(t, err)
	assert.Equal(t, OpDeleteTimeSeries, op.Opcode)

	op, err = ParseOperation(lines[2])
	require.NoError(t, err)
	assert.Equal(t, OpDeleteStorageGroup, op.Opcode)
	assert.Equal(t, []string{"root.sg1", "root.sg2"}, op.StorageGroups)

	op, err = ParseOperation(lines[3])
	require.NoError(t, err)
	assert.Equal(t, OpSetTTL, op.Opcode)
	assert.Equal(t, int64(3600000), op.TTLMillis)
}

func TestParseOperationRejectsMalformedLines(t *testing.T) {
	examples := []string{
		"",
		"not_an_opcode,root.sg1",
		"create_timeseries,root.sg1.d1.s1,0,0",
		"set_ttl,root.sg1,not_a_number",
	}
	for _, line := range examples {
		_, err := ParseOperation(line)
		assert.Equal(t, ECorrupt, Code(err), "line %q", line)
	}
}

func TestReplaySkipsBadLinesAndContinues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, MLogFileName)
	w, err := OpenMLogWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.AppendSetStorageGroup("root.sg1"))
	require.NoError(t, w.append("garbage,line,that,wont,parse,at,all,here,either"))
	require.NoError(t, w.AppendSetStorageGroup("root.sg2"))
	require.NoError(t, w.Close())

	var applied []string
	r := &Replayer{Apply: func(op Operation) error {
		applied = append(applied, op.Path)
		return nil
	}}
	require.NoError(t, r.Replay(path))
	assert.Equal(t, []string{"root.sg1", "root.sg2"}, applied)
}

func TestReplayMissingFileIsNotAnError(t *testing.T) {
	r := &Replayer{Apply: func(Operation) error { return nil }}
	require.NoError(t, r.Replay(filepath.Join(t.TempDir(), "does-not-exist.txt")))
}

func readAllLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	if len(data) == 0 {
		return nil
	}
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	return lines
}
