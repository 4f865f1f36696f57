package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager is the metadata catalog façade: it owns the single reader/writer
// lock covering the schema tree, the tag/attribute side file, the operation
// log, the node cache, the inverted tag index, and the per-storage-group
// counters, the same way the teacher's Store serializes access to its
// shard map (tsdb/store.go). Mutating methods take the write lock and tree,
// index and tag-file lookups take the read lock. GetDeviceNode takes no
// lock itself: a cache hit is served under the cache's own mutex, and only
// a miss takes the read lock, inside the loader. CountersSnapshot,
// MaxSeriesCount and PrometheusCollectors do not take the façade lock;
// they rely on the counters' own mutex. Of the components it wires
// together, only the node cache and the counters hold locks of their own.
type Manager struct {
	mu sync.RWMutex

	config *Config
	logger *zap.Logger

	tree      *MTree
	tagFile   *TagLogFile
	logWriter *MLogWriter
	cache     *NodeCache
	counters  *Counters

	// tagIndex maps tag key -> tag value -> the set of leaves carrying that
	// tag, rebuilt from the tag file during replay and maintained
	// incrementally thereafter.
	tagIndex map[string]map[string]map[*Node]struct{}

	adapter ConfigAdapter
	storage StorageEngine

	// writeToLog is false only while replaying at startup, so replayed
	// operations are not re-appended to the very log they were read from.
	writeToLog bool
}

// Open creates (or recovers) a catalog rooted at config.SchemaDir: it opens
// the tag file, replays the operation log against a fresh tree, then opens
// the log for further appends. adapter and storage may be nil, in which
// case NopConfigAdapter/NopStorageEngine are used.
func Open(config *Config, adapter ConfigAdapter, storage StorageEngine, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if adapter == nil {
		adapter = NopConfigAdapter{}
	}
	if storage == nil {
		storage = NopStorageEngine{}
	}
	if err := os.MkdirAll(config.SchemaDir, 0755); err != nil {
		return nil, wrapErr(EIo, "Open", err)
	}

	m := &Manager{
		config:   config,
		logger:   logger.With(zap.String("service", "metacatalog")),
		tree:     NewMTree(),
		tagIndex: make(map[string]map[string]map[*Node]struct{}),
		counters: NewCounters(),
		adapter:  adapter,
		storage:  storage,
	}

	tagFile, err := OpenTagLogFile(filepath.Join(config.SchemaDir, TagLogFileName), config.TagAttributeTotalSize)
	if err != nil {
		return nil, err
	}
	m.tagFile = tagFile

	// The node cache must exist before replay starts: every writer path
	// (including the ones replay drives) calls cache.Clear() to invalidate
	// device lookups.
	m.cache = NewNodeCache(config.MManagerCacheSize, m.loadDeviceNode)

	replayer := &Replayer{Apply: m.applyOperation, Logger: m.logger}
	if err := replayer.Replay(filepath.Join(config.SchemaDir, MLogFileName)); err != nil {
		m.tagFile.Close()
		return nil, err
	}

	logWriter, err := OpenMLogWriter(filepath.Join(config.SchemaDir, MLogFileName))
	if err != nil {
		m.tagFile.Close()
		return nil, err
	}
	m.logWriter = logWriter
	m.writeToLog = true

	if config.EnableParameterAdapter {
		for _, sg := range m.tree.GetAllStorageGroupNames() {
			node, err := m.tree.GetNodeByPath(sg)
			if err != nil {
				continue
			}
			m.counters.InitStorageGroup(sg)
			m.counters.Set(sg, int64(node.leafCount()))
		}
	}

	return m, nil
}

// Close flushes and closes the operation log and tag file, aggregating any
// failures the way the teacher aggregates shard-close errors with
// multierr.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs error
	if m.logWriter != nil {
		errs = multierr.Append(errs, m.logWriter.Close())
	}
	if m.tagFile != nil {
		errs = multierr.Append(errs, m.tagFile.Close())
	}
	return errs
}

// isProtected reports whether path falls under one of the manager's
// protected prefixes, which a bulk delete_timeseries must never touch
// (generalizing the teacher's hardcoded monitor-series exclusion into a
// configurable list).
func (m *Manager) isProtected(path string) bool {
	for _, prefix := range m.config.ProtectedPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+pathSeparator) {
			return true
		}
	}
	return false
}

// ---- writers ----

// SetStorageGroup marks path as a storage group.
func (m *Manager) SetStorageGroup(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStorageGroupCore(path)
}

func (m *Manager) setStorageGroupCore(path string) error {
	if err := m.tree.SetStorageGroup(path); err != nil {
		return err
	}
	if m.config.EnableParameterAdapter {
		if err := m.adapter.AdjustStorageGroups(1); err != nil {
			m.tree.DeleteStorageGroup(path)
			return &Error{Code: EAdapterVeto, Op: "SetStorageGroup", Err: err}
		}
	}
	if m.writeToLog {
		if err := m.logWriter.AppendSetStorageGroup(path); err != nil {
			return err
		}
	}
	if m.config.EnableParameterAdapter {
		m.adapter.InitCounter(path)
		m.counters.InitStorageGroup(path)
	}
	m.cache.Clear()
	return nil
}

// DeleteStorageGroup removes a single storage group and everything under
// it, then asks the storage engine to drop its data files.
func (m *Manager) DeleteStorageGroup(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteStorageGroupCore(path)
}

// DeleteStorageGroups removes several storage groups in one call, the way
// the teacher's Java ancestor accepts a list and logs one line per group.
func (m *Manager) DeleteStorageGroups(paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		if err := m.deleteStorageGroupCore(p); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) deleteStorageGroupCore(path string) error {
	if err := m.tree.DeleteStorageGroup(path); err != nil {
		return err
	}
	m.dropIndexUnder(path)
	if m.writeToLog {
		if err := m.logWriter.AppendDeleteStorageGroup([]string{path}); err != nil {
			return err
		}
	}
	if m.config.EnableParameterAdapter {
		// Unlike create, a delete is not rolled back on veto: the
		// subtree is already gone, so there is nothing left to undo.
		if err := m.adapter.AdjustStorageGroups(-1); err != nil {
			return &Error{Code: EAdapterVeto, Op: "DeleteStorageGroup", Err: err}
		}
		m.adapter.DeleteCounter(path)
		m.counters.RemoveStorageGroup(path)
	}
	m.cache.Clear()
	if err := m.storage.DeleteAllDataFiles(path); err != nil {
		m.logger.Error("failed to delete data files for storage group",
			zap.String("storage_group", path), zap.Error(err))
	}
	return nil
}

// dropIndexUnder removes every tag-index entry for leaves whose resolved
// tags/attributes are no longer reachable from the tree; called when an
// entire storage group is deleted out from under the index. It is a
// best-effort scan since the leaves themselves are already detached.
func (m *Manager) dropIndexUnder(sg string) {
	for key, byValue := range m.tagIndex {
		for value, set := range byValue {
			for leaf := range set {
				if strings.HasPrefix(leaf.FullPath(), sg+pathSeparator) || leaf.FullPath() == sg {
					delete(set, leaf)
				}
			}
			if len(set) == 0 {
				delete(byValue, value)
			}
		}
		if len(byValue) == 0 {
			delete(m.tagIndex, key)
		}
	}
}

// CreateTimeSeries creates a leaf at path, auto-creating an ancestor
// storage group first when the config allows it. tags/attributes may be
// nil; when non-empty they are persisted to the tag file and indexed.
func (m *Manager) CreateTimeSeries(path string, schema MeasurementSchema, alias string, tags, attributes map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.createTimeSeriesCore(path, schema, alias, tags, attributes, nil)
	return err
}

// createTimeSeriesCore implements the write template: resolve/auto-create
// storage group, mutate the tree, consult the adapter (rolling back on
// veto), persist the tag payload, append the log line, then update the
// index and counters. When replayOffset is non-nil the tag payload was
// already written in a prior run; the offset is taken as given and used
// only to re-read tags for the index, never re-written.
func (m *Manager) createTimeSeriesCore(path string, schema MeasurementSchema, alias string, tags, attributes map[string]string, replayOffset *int64) (*Node, error) {
	sgName, err := m.resolveOrAutoCreateStorageGroup(path)
	if err != nil {
		return nil, err
	}

	leaf, err := m.tree.CreateTimeSeries(path, schema, alias)
	if err != nil {
		return nil, err
	}

	if m.config.EnableParameterAdapter {
		if err := m.adapter.AdjustTimeSeries(1); err != nil {
			m.tree.DeleteTimeSeriesAndReturnEmptySG(path)
			return nil, &Error{Code: EAdapterVeto, Op: "CreateTimeSeries", Err: err}
		}
	}

	var offset int64 = -1
	var tagsForIndex map[string]string
	switch {
	case replayOffset != nil:
		offset = *replayOffset
		if offset >= 0 {
			if t, rerr := m.tagFile.ReadTag(m.config.TagAttributeTotalSize, offset); rerr == nil {
				tagsForIndex = t
			}
		}
	case len(tags) > 0 || len(attributes) > 0:
		o, werr := m.tagFile.Write(tags, attributes)
		if werr != nil {
			return nil, werr
		}
		offset = o
		tagsForIndex = tags
	}
	leaf.TagOffset = offset

	if m.writeToLog {
		if err := m.logWriter.AppendCreateTimeSeries(path, schema.DataType, schema.Encoding, schema.Compressor, schema.Props, alias, offset); err != nil {
			return nil, err
		}
	}

	for k, v := range tagsForIndex {
		m.addToIndex(k, v, leaf)
	}
	if m.config.EnableParameterAdapter {
		m.counters.Increment(sgName, 1)
	}
	m.cache.Clear()
	return leaf, nil
}

// resolveOrAutoCreateStorageGroup finds path's ancestor storage group,
// materializing one at config.DefaultStorageGroupLevel when none exists
// and auto-create is enabled. A concurrent auto-create racing to the same
// storage group is tolerated: StorageGroupAlreadySet is treated as
// success, per the catalog's veto-tolerance design for racing writers.
func (m *Manager) resolveOrAutoCreateStorageGroup(path string) (string, error) {
	sgName, err := m.tree.GetStorageGroupName(path)
	if err == nil {
		return sgName, nil
	}
	if Code(err) != EStorageGroupNotSet {
		return "", err
	}
	if !m.config.AutoCreateSchemaEnabled {
		return "", err
	}
	newSG, lvlErr := storageGroupNameAtLevel(path, m.config.DefaultStorageGroupLevel)
	if lvlErr != nil {
		return "", lvlErr
	}
	if err := m.setStorageGroupCore(newSG); err != nil {
		if Code(err) == EStorageGroupAlreadySet {
			return newSG, nil
		}
		return "", err
	}
	return newSG, nil
}

// DeleteTimeSeries deletes every leaf matching prefixPath (which may
// contain wildcards), skipping protected prefixes, and returns the storage
// groups left with zero series so the caller can see which ones the
// storage engine was asked to clear.
func (m *Manager) DeleteTimeSeries(prefixPath string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.tree.GetAllTimeSeriesName(prefixPath)
	if err != nil {
		return nil, err
	}
	emptied := make(map[string]struct{})
	for _, p := range all {
		if m.isProtected(p) {
			continue
		}
		sg, err := m.deleteTimeSeriesCore(p)
		if err != nil {
			return nil, err
		}
		if sg != "" {
			emptied[sg] = struct{}{}
		}
	}
	out := make([]string, 0, len(emptied))
	for sg := range emptied {
		out = append(out, sg)
	}
	sort.Strings(out)
	for _, sg := range out {
		if err := m.storage.DeleteAllDataFiles(sg); err != nil {
			m.logger.Error("failed to delete data files for storage group",
				zap.String("storage_group", sg), zap.Error(err))
		}
	}
	return out, nil
}

// deleteTimeSeriesCore deletes a single concrete leaf and returns its
// storage group's name if the deletion emptied it, or "" otherwise.
func (m *Manager) deleteTimeSeriesCore(path string) (string, error) {
	sgName, leaf, err := m.tree.DeleteTimeSeriesAndReturnEmptySG(path)
	if err != nil {
		return "", err
	}
	if leaf.TagOffset >= 0 {
		if tags, rerr := m.tagFile.ReadTag(m.config.TagAttributeTotalSize, leaf.TagOffset); rerr == nil {
			for k, v := range tags {
				m.removeFromIndex(k, v, leaf)
			}
		}
	}
	if m.writeToLog {
		if err := m.logWriter.AppendDeleteTimeSeries(path); err != nil {
			return "", err
		}
	}
	m.cache.Clear()

	if m.config.EnableParameterAdapter {
		if err := m.adapter.AdjustTimeSeries(-1); err != nil {
			return "", &Error{Code: EAdapterVeto, Op: "DeleteTimeSeries", Err: err}
		}
		m.counters.Increment(sgName, -1)
		if cnt, ok := m.counters.SeriesCount(sgName); ok && cnt == 0 {
			return sgName, nil
		}
		return "", nil
	}

	if node, err := m.tree.GetNodeByPath(sgName); err == nil && node.leafCount() == 0 {
		return sgName, nil
	}
	return "", nil
}

// SetTTL sets the data retention period, in milliseconds, for the storage
// group at path. 0 means unbounded retention.
func (m *Manager) SetTTL(path string, millis int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setTTLCore(path, millis)
}

func (m *Manager) setTTLCore(path string, millis int64) error {
	if err := m.tree.SetTTL(path, millis); err != nil {
		return err
	}
	if m.writeToLog {
		if err := m.logWriter.AppendSetTTL(path, millis); err != nil {
			return err
		}
	}
	m.cache.Clear()
	return nil
}

// ---- tag index ----

func (m *Manager) addToIndex(key, value string, leaf *Node) {
	byValue, ok := m.tagIndex[key]
	if !ok {
		byValue = make(map[string]map[*Node]struct{})
		m.tagIndex[key] = byValue
	}
	set, ok := byValue[value]
	if !ok {
		set = make(map[*Node]struct{})
		byValue[value] = set
	}
	set[leaf] = struct{}{}
}

func (m *Manager) removeFromIndex(key, value string, leaf *Node) {
	if byValue, ok := m.tagIndex[key]; ok {
		if set, ok := byValue[value]; ok {
			delete(set, leaf)
			if len(set) == 0 {
				delete(byValue, value)
			}
		}
		if len(byValue) == 0 {
			delete(m.tagIndex, key)
		}
	}
}

// ---- readers ----

func (m *Manager) loadDeviceNode(path string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.GetDeviceNode(path)
}

// GetDeviceNode resolves a device path through the bounded node cache.
func (m *Manager) GetDeviceNode(path string) (*Node, error) {
	return m.cache.Get(path)
}

// GetStorageGroupName returns the storage group that owns path.
func (m *Manager) GetStorageGroupName(path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.GetStorageGroupName(path)
}

// GetAllStorageGroupNames returns every storage group's full path, sorted.
func (m *Manager) GetAllStorageGroupNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.GetAllStorageGroupNames()
}

// GetAllTimeSeriesName returns every leaf path matching prefix.
func (m *Manager) GetAllTimeSeriesName(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.GetAllTimeSeriesName(prefix)
}

// GetDevices returns the distinct device (leaf-parent) paths matching
// prefix.
func (m *Manager) GetDevices(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.GetDevices(prefix)
}

// GetNodesList returns every node at the given depth under prefix.
func (m *Manager) GetNodesList(prefix string, level int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.GetNodesList(prefix, level)
}

// DetermineStorageGroup returns, for a (possibly wildcarded) path, the
// mapping from storage group to the rewritten per-group path.
func (m *Manager) DetermineStorageGroup(pathWithWildcards string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.DetermineStorageGroup(pathWithWildcards)
}

// CountersSnapshot returns the per-storage-group series counts currently
// tracked (empty unless enable_parameter_adapter is set).
func (m *Manager) CountersSnapshot() map[string]int64 {
	return m.counters.Snapshot()
}

// MaxSeriesCount returns the largest tracked per-storage-group series
// count.
func (m *Manager) MaxSeriesCount() int64 {
	return m.counters.MaxSeriesCount()
}

// PrometheusCollectors exposes the counters' Prometheus collectors for
// registration with a caller-owned registry.
func (m *Manager) PrometheusCollectors() []prometheus.Collector {
	return m.counters.PrometheusCollectors()
}

// TimeSeriesSchemaResult is one row returned by ListTimeSeriesSchema or
// QueryTimeSeriesByTag, combining schema, alias, storage group, and the
// resolved tag/attribute payload.
type TimeSeriesSchemaResult struct {
	FullPath          string
	Alias             string
	StorageGroup      string
	DataType          DataType
	Encoding          Encoding
	Compressor        Compressor
	TagsAndAttributes map[string]string
}

// ListTimeSeriesSchema paginates over leaves matching plan.Path, resolving
// each leaf's tag/attribute payload from the tag file. This mirrors the
// teacher's ancestor combining showTimeseries and getAllTimeseriesSchema
// into one path-driven listing.
func (m *Manager) ListTimeSeriesSchema(plan SchemaPlan) ([]TimeSeriesSchemaResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, err := m.tree.GetAllMeasurementSchema(plan)
	if err != nil {
		return nil, err
	}
	out := make([]TimeSeriesSchemaResult, 0, len(rows))
	for _, r := range rows {
		combined, err := m.resolveTagsLocked(r.TagOffset)
		if err != nil {
			return nil, err
		}
		out = append(out, TimeSeriesSchemaResult{
			FullPath:          r.FullPath,
			Alias:             r.Alias,
			StorageGroup:      r.StorageGroup,
			DataType:          r.DataType,
			Encoding:          r.Encoding,
			Compressor:        r.Compressor,
			TagsAndAttributes: combined,
		})
	}
	return out, nil
}

// TagQueryPlan selects leaves by an exact or substring tag-value match,
// then filters the matches down to those also reachable by path.
type TagQueryPlan struct {
	Key      string
	Value    string
	Contains bool
	Path     string
	Offset   int
	Limit    int
}

// QueryTimeSeriesByTag looks up plan.Key in the inverted tag index, then
// filters the matched leaves by plan.Value (exact or substring, per
// plan.Contains) and by plan.Path, the same two-stage filter the teacher's
// ancestor applies in its tag-indexed series lookup (§4.6): index narrows
// first, the path pattern narrows the remainder.
func (m *Manager) QueryTimeSeriesByTag(plan TagQueryPlan) ([]TimeSeriesSchemaResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byValue, ok := m.tagIndex[plan.Key]
	if !ok {
		return nil, newErr(EIllegalPath, "QueryTimeSeriesByTag", "not a registered tag key: "+plan.Key)
	}

	matched := make(map[*Node]struct{})
	for value, set := range byValue {
		hit := value == plan.Value
		if plan.Contains {
			hit = strings.Contains(value, plan.Value)
		}
		if !hit {
			continue
		}
		for leaf := range set {
			matched[leaf] = struct{}{}
		}
	}

	leaves := make([]*Node, 0, len(matched))
	for leaf := range matched {
		leaves = append(leaves, leaf)
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].FullPath() < leaves[j].FullPath() })

	var filtered []*Node
	if plan.Path != "" {
		for _, leaf := range leaves {
			ok, err := MatchesPattern(leaf.FullPath(), plan.Path)
			if err != nil {
				return nil, err
			}
			if ok {
				filtered = append(filtered, leaf)
			}
		}
	} else {
		filtered = leaves
	}

	start := plan.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := len(filtered)
	if plan.Limit > 0 && start+plan.Limit < end {
		end = start + plan.Limit
	}
	page := filtered[start:end]

	out := make([]TimeSeriesSchemaResult, 0, len(page))
	for _, leaf := range page {
		combined, err := m.resolveTagsLocked(leaf.TagOffset)
		if err != nil {
			return nil, err
		}
		sg := ""
		if sgNode := leaf.Parent.nearestStorageGroup(); sgNode != nil {
			sg = sgNode.FullPath()
		}
		out = append(out, TimeSeriesSchemaResult{
			FullPath:          leaf.FullPath(),
			Alias:             leaf.Alias,
			StorageGroup:      sg,
			DataType:          leaf.Schema.DataType,
			Encoding:          leaf.Schema.Encoding,
			Compressor:        leaf.Schema.Compressor,
			TagsAndAttributes: combined,
		})
	}
	return out, nil
}

func (m *Manager) resolveTagsLocked(tagOffset int64) (map[string]string, error) {
	if tagOffset < 0 {
		return nil, nil
	}
	tags, attrs, err := m.tagFile.Read(m.config.TagAttributeTotalSize, tagOffset)
	if err != nil {
		return nil, err
	}
	combined := make(map[string]string, len(tags)+len(attrs))
	for k, v := range tags {
		combined[k] = v
	}
	for k, v := range attrs {
		combined[k] = v
	}
	return combined, nil
}

// ---- replay ----

// applyOperation dispatches one replayed log line to the same internal
// write paths the live API uses. It runs single-threaded during Open,
// before writeToLog is set, so replayed operations are not re-logged and
// need no locking of their own.
func (m *Manager) applyOperation(op Operation) error {
	switch op.Opcode {
	case OpCreateTimeSeries:
		schema := MeasurementSchema{DataType: op.DataType, Encoding: op.Encoding, Compressor: op.Compressor, Props: op.Props}
		offset := op.TagOffset
		_, err := m.createTimeSeriesCore(op.Path, schema, op.Alias, nil, nil, &offset)
		return err
	case OpDeleteTimeSeries:
		_, err := m.deleteTimeSeriesCore(op.Path)
		return err
	case OpSetStorageGroup:
		return m.setStorageGroupCore(op.Path)
	case OpDeleteStorageGroup:
		var last error
		for _, sg := range op.StorageGroups {
			if err := m.deleteStorageGroupCore(sg); err != nil {
				last = err
			}
		}
		return last
	case OpSetTTL:
		return m.setTTLCore(op.Path, op.TTLMillis)
	default:
		return newErr(ECorrupt, "applyOperation", "unrecognized opcode: "+op.Opcode)
	}
}
