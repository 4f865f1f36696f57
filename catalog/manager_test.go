package catalog

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := NewConfig()
	cfg.SchemaDir = filepath.Join(t.TempDir(), "schema")
	return cfg
}

func mustOpen(t *testing.T, cfg *Config, adapter ConfigAdapter, storage StorageEngine) *Manager {
	t.Helper()
	m, err := Open(cfg, adapter, storage, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManagerOpenAndCloseOnEmptySchemaDir(t *testing.T) {
	cfg := testConfig(t)
	m := mustOpen(t, cfg, nil, nil)
	assert.Empty(t, m.GetAllStorageGroupNames())
}

func TestManagerSetStorageGroupAndCreateTimeSeries(t *testing.T) {
	m := mustOpen(t, testConfig(t), nil, nil)

	require.NoError(t, m.SetStorageGroup("root.sg1"))
	require.NoError(t, m.CreateTimeSeries("root.sg1.d1.s1", boolSchema(), "", nil, nil))

	names, err := m.GetAllTimeSeriesName("root.sg1.*")
	require.NoError(t, err)
	assert.Equal(t, []string{"root.sg1.d1.s1"}, names)
}

func TestManagerAutoCreatesStorageGroup(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoCreateSchemaEnabled = true
	cfg.DefaultStorageGroupLevel = 1
	m := mustOpen(t, cfg, nil, nil)

	require.NoError(t, m.CreateTimeSeries("root.sg1.d1.s1", boolSchema(), "", nil, nil))

	sg, err := m.GetStorageGroupName("root.sg1.d1.s1")
	require.NoError(t, err)
	assert.Equal(t, "root.sg1", sg)
}

func TestManagerAutoCreateDisabledSurfacesStorageGroupNotSet(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoCreateSchemaEnabled = false
	m := mustOpen(t, cfg, nil, nil)

	err := m.CreateTimeSeries("root.sg1.d1.s1", boolSchema(), "", nil, nil)
	assert.Equal(t, EStorageGroupNotSet, Code(err))
}

func TestManagerCreateTimeSeriesWithTagsIsQueryableByTag(t *testing.T) {
	m := mustOpen(t, testConfig(t), nil, nil)
	require.NoError(t, m.SetStorageGroup("root.sg1"))

	tags := map[string]string{"region": "us-west"}
	require.NoError(t, m.CreateTimeSeries("root.sg1.d1.s1", boolSchema(), "", tags, nil))
	require.NoError(t, m.CreateTimeSeries("root.sg1.d2.s1", boolSchema(), "", map[string]string{"region": "us-east"}, nil))

	results, err := m.QueryTimeSeriesByTag(TagQueryPlan{Key: "region", Value: "us-west"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "root.sg1.d1.s1", results[0].FullPath)
	assert.Equal(t, "us-west", results[0].TagsAndAttributes["region"])
}

func TestManagerQueryTimeSeriesByTagUnknownKey(t *testing.T) {
	m := mustOpen(t, testConfig(t), nil, nil)
	_, err := m.QueryTimeSeriesByTag(TagQueryPlan{Key: "nope", Value: "x"})
	assert.Equal(t, EIllegalPath, Code(err))
}

type fakeStorageEngine struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeStorageEngine) DeleteAllDataFiles(sg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sg)
	return nil
}

func TestManagerDeleteTimeSeriesReportsEmptiedStorageGroup(t *testing.T) {
	storage := &fakeStorageEngine{}
	m := mustOpen(t, testConfig(t), nil, storage)
	require.NoError(t, m.SetStorageGroup("root.sg1"))
	require.NoError(t, m.CreateTimeSeries("root.sg1.d1.s1", boolSchema(), "", nil, nil))

	emptied, err := m.DeleteTimeSeries("root.sg1.d1.s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"root.sg1"}, emptied)
	assert.Equal(t, []string{"root.sg1"}, storage.deleted)
}

func TestManagerDeleteTimeSeriesSkipsProtectedPrefixes(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProtectedPrefixes = []string{"root.sg1.monitor"}
	m := mustOpen(t, cfg, nil, nil)
	require.NoError(t, m.SetStorageGroup("root.sg1"))
	require.NoError(t, m.CreateTimeSeries("root.sg1.monitor.cpu", boolSchema(), "", nil, nil))
	require.NoError(t, m.CreateTimeSeries("root.sg1.d1.s1", boolSchema(), "", nil, nil))

	_, err := m.DeleteTimeSeries("root.sg1.*")
	require.NoError(t, err)

	names, err := m.GetAllTimeSeriesName("root.sg1.*")
	require.NoError(t, err)
	assert.Equal(t, []string{"root.sg1.monitor.cpu"}, names)
}

func TestManagerDeleteStorageGroupInvokesStorageEngine(t *testing.T) {
	storage := &fakeStorageEngine{}
	m := mustOpen(t, testConfig(t), nil, storage)
	require.NoError(t, m.SetStorageGroup("root.sg1"))
	require.NoError(t, m.DeleteStorageGroup("root.sg1"))
	assert.Equal(t, []string{"root.sg1"}, storage.deleted)

	_, err := m.GetStorageGroupName("root.sg1")
	assert.Equal(t, EStorageGroupNotSet, Code(err))
}

func TestManagerSetTTL(t *testing.T) {
	m := mustOpen(t, testConfig(t), nil, nil)
	require.NoError(t, m.SetStorageGroup("root.sg1"))
	require.NoError(t, m.SetTTL("root.sg1", 3600000))
}

func TestManagerDetermineStorageGroup(t *testing.T) {
	m := mustOpen(t, testConfig(t), nil, nil)
	require.NoError(t, m.SetStorageGroup("root.sg1"))
	require.NoError(t, m.SetStorageGroup("root.sg2"))

	result, err := m.DetermineStorageGroup("root.*")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"root.sg1": "root.sg1.*",
		"root.sg2": "root.sg2.*",
	}, result)
}

func TestManagerListTimeSeriesSchemaResolvesTagsAndAttributes(t *testing.T) {
	m := mustOpen(t, testConfig(t), nil, nil)
	require.NoError(t, m.SetStorageGroup("root.sg1"))
	tags := map[string]string{"region": "us-west"}
	attrs := map[string]string{"vendor": "acme"}
	require.NoError(t, m.CreateTimeSeries("root.sg1.d1.s1", boolSchema(), "temp", tags, attrs))

	rows, err := m.ListTimeSeriesSchema(SchemaPlan{Path: "root.sg1.*"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "temp", rows[0].Alias)
	assert.Equal(t, "us-west", rows[0].TagsAndAttributes["region"])
	assert.Equal(t, "acme", rows[0].TagsAndAttributes["vendor"])
}

// fakeConfigAdapter lets tests control whether creates/deletes are vetoed.
type fakeConfigAdapter struct {
	vetoTimeSeries    bool
	vetoStorageGroups bool
	tsAdjustments     []int
	sgAdjustments     []int
}

func (f *fakeConfigAdapter) AdjustTimeSeries(delta int) error {
	f.tsAdjustments = append(f.tsAdjustments, delta)
	if f.vetoTimeSeries && delta > 0 {
		return errors.New("resource limit reached")
	}
	return nil
}

func (f *fakeConfigAdapter) AdjustStorageGroups(delta int) error {
	f.sgAdjustments = append(f.sgAdjustments, delta)
	if f.vetoStorageGroups && delta > 0 {
		return errors.New("too many storage groups")
	}
	return nil
}

func (f *fakeConfigAdapter) InitCounter(string)   {}
func (f *fakeConfigAdapter) DeleteCounter(string) {}

func TestManagerCreateTimeSeriesVetoRollsBackTree(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnableParameterAdapter = true
	adapter := &fakeConfigAdapter{vetoTimeSeries: true}
	m := mustOpen(t, cfg, adapter, nil)
	require.NoError(t, m.SetStorageGroup("root.sg1"))

	err := m.CreateTimeSeries("root.sg1.d1.s1", boolSchema(), "", nil, nil)
	assert.Equal(t, EAdapterVeto, Code(err))

	// The rejected leaf must not remain in the tree.
	_, err = m.tree.GetNodeByPath("root.sg1.d1.s1")
	assert.Equal(t, EPathNotExist, Code(err))
}

func TestManagerSetStorageGroupVetoRollsBackTree(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnableParameterAdapter = true
	adapter := &fakeConfigAdapter{vetoStorageGroups: true}
	m := mustOpen(t, cfg, adapter, nil)

	err := m.SetStorageGroup("root.sg1")
	assert.Equal(t, EAdapterVeto, Code(err))

	_, err = m.GetStorageGroupName("root.sg1")
	assert.Equal(t, EStorageGroupNotSet, Code(err))
}

func TestManagerCountersTrackSeriesWhenAdapterEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnableParameterAdapter = true
	m := mustOpen(t, cfg, nil, nil)
	require.NoError(t, m.SetStorageGroup("root.sg1"))
	require.NoError(t, m.CreateTimeSeries("root.sg1.d1.s1", boolSchema(), "", nil, nil))
	require.NoError(t, m.CreateTimeSeries("root.sg1.d1.s2", boolSchema(), "", nil, nil))

	snapshot := m.CountersSnapshot()
	assert.Equal(t, int64(2), snapshot["root.sg1"])
	assert.Equal(t, int64(2), m.MaxSeriesCount())
}

func TestManagerConcurrentCreatesUnderSharedStorageGroup(t *testing.T) {
	cfg := testConfig(t)
	m := mustOpen(t, cfg, nil, nil)
	require.NoError(t, m.SetStorageGroup("root.sg1"))

	const devices = 20
	var wg sync.WaitGroup
	errs := make([]error, devices)
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := "root.sg1.d" + string(rune('a'+i)) + ".s1"
			errs[i] = m.CreateTimeSeries(path, boolSchema(), "", nil, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "device %d", i)
	}
	names, err := m.GetAllTimeSeriesName("root.sg1.*")
	require.NoError(t, err)
	assert.Len(t, names, devices)
}

// TestManagerRecoversStateAcrossRestart exercises crash recovery: a fresh
// Manager replaying the operation log and rebuilding the tag index must
// reach the same observable state as the manager that wrote the log.
func TestManagerRecoversStateAcrossRestart(t *testing.T) {
	cfg := testConfig(t)

	m1, err := Open(cfg, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, m1.SetStorageGroup("root.sg1"))
	require.NoError(t, m1.CreateTimeSeries("root.sg1.d1.s1", boolSchema(), "temp", map[string]string{"region": "us-west"}, nil))
	require.NoError(t, m1.CreateTimeSeries("root.sg1.d1.s2", boolSchema(), "", nil, nil))
	require.NoError(t, m1.SetTTL("root.sg1", 1000))
	_, err = m1.DeleteTimeSeries("root.sg1.d1.s2")
	require.NoError(t, err)
	require.NoError(t, m1.Close())

	m2, err := Open(cfg, nil, nil, nil)
	require.NoError(t, err)
	defer m2.Close()

	names, err := m2.GetAllTimeSeriesName("root.sg1.*")
	require.NoError(t, err)
	assert.Equal(t, []string{"root.sg1.d1.s1"}, names)

	sgNode, err := m2.tree.GetNodeByPath("root.sg1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), sgNode.DataTTL)

	results, err := m2.QueryTimeSeriesByTag(TagQueryPlan{Key: "region", Value: "us-west"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "root.sg1.d1.s1", results[0].FullPath)
}

func TestManagerAutoCreateReusesStorageGroupAcrossSiblings(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoCreateSchemaEnabled = true

	m1, err := Open(cfg, nil, nil, nil)
	require.NoError(t, err)
	// Two creates under the same not-yet-existing storage group: the
	// first auto-creates it, the second must find it already there rather
	// than failing with StorageGroupAlreadySet.
	require.NoError(t, m1.CreateTimeSeries("root.sg1.d1.s1", boolSchema(), "", nil, nil))
	require.NoError(t, m1.CreateTimeSeries("root.sg1.d2.s1", boolSchema(), "", nil, nil))
	require.NoError(t, m1.Close())

	m2, err := Open(cfg, nil, nil, nil)
	require.NoError(t, err)
	defer m2.Close()

	names, err := m2.GetAllTimeSeriesName("root.sg1.*")
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

