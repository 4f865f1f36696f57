package catalog

import (
	"sort"
	"strings"
)

// MTree is the in-memory hierarchical schema tree: path to node, storage
// groups, and time-series leaves. MTree itself holds no lock; the façade
// (Manager) serializes all access through its reader/writer lock, the same
// layering the teacher uses between its lock-holding Store and the
// unlocked index structures it delegates to.
type MTree struct {
	root *Node
}

// NewMTree returns an empty tree rooted at RootName.
func NewMTree() *MTree {
	return &MTree{root: newInternalNode(RootName, nil)}
}

func sortedChildNames(n *Node) []string {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetStorageGroup walks from root, creating Internal nodes as needed, then
// converts the terminal node into a StorageGroup.
func (t *MTree) SetStorageGroup(path string) error {
	segments, err := SplitPath(path)
	if err != nil {
		return err
	}
	cur := t.root
	if cur.Kind == KindStorageGroup {
		return newErr(EStorageGroupAlreadySet, "SetStorageGroup", path)
	}
	for _, seg := range segments[1:] {
		child, ok := cur.Children[seg]
		if !ok {
			child = newInternalNode(seg, cur)
			cur.Children[seg] = child
		}
		if child.Kind == KindStorageGroup {
			return newErr(EStorageGroupAlreadySet, "SetStorageGroup", path)
		}
		cur = child
	}
	if cur.hasStorageGroupDescendant() {
		return newErr(EStorageGroupAlreadySet, "SetStorageGroup", path)
	}
	cur.Kind = KindStorageGroup
	return nil
}

// DeleteStorageGroup removes the entire subtree and the storage-group node,
// then prunes now-childless internal ancestors up to (but not including)
// root.
func (t *MTree) DeleteStorageGroup(path string) error {
	segments, err := SplitPath(path)
	if err != nil {
		return err
	}
	cur := t.root
	for _, seg := range segments[1:] {
		child, ok := cur.Children[seg]
		if !ok {
			return newErr(EPathNotExist, "DeleteStorageGroup", path)
		}
		cur = child
	}
	if cur.Kind != KindStorageGroup {
		return newErr(EStorageGroupNotSet, "DeleteStorageGroup", path)
	}
	parent := cur.Parent
	delete(parent.Children, cur.Name)
	t.pruneUpTo(parent, t.root)
	return nil
}

// pruneUpTo removes now-childless Internal ancestors of node, walking
// upward, stopping at (and never removing) stop.
func (t *MTree) pruneUpTo(node, stop *Node) {
	for node != nil && node != stop && len(node.Children) == 0 {
		parent := node.Parent
		if parent == nil {
			return
		}
		delete(parent.Children, node.Name)
		node = parent
	}
}

// GetStorageGroupName walks path until it encounters a StorageGroup node
// and returns that prefix. It fails StorageGroupNotSet if none is
// encountered, including when an intermediate node on path does not exist.
func (t *MTree) GetStorageGroupName(path string) (string, error) {
	segments, err := SplitPath(path)
	if err != nil {
		return "", err
	}
	cur := t.root
	if cur.Kind == KindStorageGroup {
		return cur.FullPath(), nil
	}
	for _, seg := range segments[1:] {
		child, ok := cur.Children[seg]
		if !ok {
			return "", newErr(EStorageGroupNotSet, "GetStorageGroupName", path)
		}
		cur = child
		if cur.Kind == KindStorageGroup {
			return cur.FullPath(), nil
		}
	}
	return "", newErr(EStorageGroupNotSet, "GetStorageGroupName", path)
}

// GetAllStorageGroupNames returns every storage group's full path, sorted.
func (t *MTree) GetAllStorageGroupNames() []string {
	var out []string
	var walk func(*Node)
	walk = func(n *Node) {
		if n.Kind == KindStorageGroup {
			out = append(out, n.FullPath())
			return
		}
		for _, name := range sortedChildNames(n) {
			walk(n.Children[name])
		}
	}
	walk(t.root)
	sort.Strings(out)
	return out
}

// SetTTL sets the data_ttl of the storage group at path.
func (t *MTree) SetTTL(path string, millis int64) error {
	segments, err := SplitPath(path)
	if err != nil {
		return err
	}
	cur := t.root
	for _, seg := range segments[1:] {
		child, ok := cur.Children[seg]
		if !ok {
			return newErr(EPathNotExist, "SetTTL", path)
		}
		cur = child
	}
	if cur.Kind != KindStorageGroup {
		return newErr(EStorageGroupNotSet, "SetTTL", path)
	}
	cur.DataTTL = millis
	return nil
}

// CreateTimeSeries requires an ancestor storage group to already exist,
// creates missing Internal nodes along path, then attaches a Leaf named by
// the last segment.
func (t *MTree) CreateTimeSeries(path string, schema MeasurementSchema, alias string) (*Node, error) {
	segments, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	last := segments[len(segments)-1]
	if last == TimeName {
		return nil, newErr(EIllegalPath, "CreateTimeSeries", "time is a reserved name: "+path)
	}
	if _, err := t.GetStorageGroupName(path); err != nil {
		return nil, err
	}
	cur := t.root
	for _, seg := range segments[1 : len(segments)-1] {
		child, ok := cur.Children[seg]
		if !ok {
			child = newInternalNode(seg, cur)
			cur.Children[seg] = child
		} else if child.Kind == KindLeaf {
			return nil, newErr(EPathAlreadyExist, "CreateTimeSeries", path)
		}
		cur = child
	}
	if _, exists := cur.Children[last]; exists {
		return nil, newErr(EPathAlreadyExist, "CreateTimeSeries", path)
	}
	leaf := &Node{
		Kind:      KindLeaf,
		Name:      last,
		Parent:    cur,
		Schema:    schema,
		Alias:     alias,
		TagOffset: -1,
	}
	cur.Children[last] = leaf
	return leaf, nil
}

// DeleteTimeSeriesAndReturnEmptySG detaches the leaf at path, prunes empty
// ancestors up to the storage-group node, and returns the storage-group
// name and the detached leaf. The storage-group node itself is never
// removed by this call, even if it now holds zero leaves.
func (t *MTree) DeleteTimeSeriesAndReturnEmptySG(path string) (string, *Node, error) {
	segments, err := SplitPath(path)
	if err != nil {
		return "", nil, err
	}
	cur := t.root
	for _, seg := range segments[1:] {
		child, ok := cur.Children[seg]
		if !ok {
			return "", nil, newErr(EPathNotExist, "DeleteTimeSeries", path)
		}
		cur = child
	}
	leaf := cur
	if leaf.Kind != KindLeaf {
		return "", nil, newErr(EPathNotExist, "DeleteTimeSeries", path)
	}
	sgNode := leaf.Parent.nearestStorageGroup()
	if sgNode == nil {
		return "", nil, newErr(EStorageGroupNotSet, "DeleteTimeSeries", path)
	}
	parent := leaf.Parent
	delete(parent.Children, leaf.Name)
	t.pruneUpTo(parent, sgNode)
	return sgNode.FullPath(), leaf, nil
}

// GetNodeByPath resolves a concrete (wildcard-free) path to its node.
func (t *MTree) GetNodeByPath(path string) (*Node, error) {
	segments, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	cur := t.root
	for _, seg := range segments[1:] {
		child, ok := cur.Children[seg]
		if !ok {
			return nil, newErr(EPathNotExist, "GetNodeByPath", path)
		}
		cur = child
	}
	return cur, nil
}

// GetDeviceNode resolves path the same way GetNodeByPath does, but first
// requires path to have a storage-group ancestor; this is the lookup the
// node cache's loader uses.
func (t *MTree) GetDeviceNode(path string) (*Node, error) {
	if _, err := t.GetStorageGroupName(path); err != nil {
		return nil, err
	}
	return t.GetNodeByPath(path)
}

func splitPattern(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, newErr(EIllegalPath, "splitPattern", "empty pattern")
	}
	segments := make([]string, 0, 8)
	for _, s := range strings.Split(pattern, pathSeparator) {
		if s == "" {
			return nil, newErr(EIllegalPath, "splitPattern", "pattern contains an empty segment: "+pattern)
		}
		segments = append(segments, s)
	}
	if segments[0] != RootName {
		return nil, newErr(EIllegalPath, "splitPattern", "pattern must start with "+RootName+": "+pattern)
	}
	return segments, nil
}

// collectLeaves walks the tree matching segments (which may contain
// Wildcard) against child names starting at t.root, appending every
// matching Leaf to out. A non-final Wildcard matches exactly one level; a
// final Wildcard matches any suffix of one or more levels down to leaves.
func (t *MTree) collectLeaves(segments []string) []*Node {
	var out []*Node
	var walk func(node *Node, idx int)
	walk = func(node *Node, idx int) {
		if idx == len(segments) {
			if node.Kind == KindLeaf {
				out = append(out, node)
			}
			return
		}
		seg := segments[idx]
		switch {
		case seg == Wildcard && idx == len(segments)-1:
			collectAllLeavesUnder(node, &out)
		case seg == Wildcard:
			for _, name := range sortedChildNames(node) {
				walk(node.Children[name], idx+1)
			}
		default:
			if child, ok := node.Children[seg]; ok {
				walk(child, idx+1)
			}
		}
	}
	walk(t.root, 1)
	return out
}

func collectAllLeavesUnder(node *Node, out *[]*Node) {
	for _, name := range sortedChildNames(node) {
		child := node.Children[name]
		if child.Kind == KindLeaf {
			*out = append(*out, child)
		} else {
			collectAllLeavesUnder(child, out)
		}
	}
}

// GetAllTimeSeriesName returns every leaf path matching prefix, in
// tree-walk (lexicographic child) order.
func (t *MTree) GetAllTimeSeriesName(prefix string) ([]string, error) {
	segments, err := splitPattern(prefix)
	if err != nil {
		return nil, err
	}
	leaves := t.collectLeaves(segments)
	out := make([]string, len(leaves))
	for i, l := range leaves {
		out[i] = l.FullPath()
	}
	return out, nil
}

// GetDevices returns the distinct parent-of-leaf paths matching prefix.
func (t *MTree) GetDevices(prefix string) ([]string, error) {
	segments, err := splitPattern(prefix)
	if err != nil {
		return nil, err
	}
	leaves := t.collectLeaves(segments)
	seen := make(map[string]struct{}, len(leaves))
	var out []string
	for _, l := range leaves {
		d := l.Parent.FullPath()
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetNodesList returns every node whose depth (root = 0) equals level and
// which lies under prefix. prefix must be a concrete path (no wildcards).
func (t *MTree) GetNodesList(prefix string, level int) ([]string, error) {
	segments, err := SplitPath(prefix)
	if err != nil {
		return nil, err
	}
	cur := t.root
	depth := 0
	for _, seg := range segments[1:] {
		child, ok := cur.Children[seg]
		if !ok {
			return nil, newErr(EPathNotExist, "GetNodesList", prefix)
		}
		cur = child
		depth++
	}
	var out []string
	var walk func(node *Node, d int)
	walk = func(node *Node, d int) {
		if d == level {
			out = append(out, node.FullPath())
			return
		}
		if d > level {
			return
		}
		for _, name := range sortedChildNames(node) {
			walk(node.Children[name], d+1)
		}
	}
	walk(cur, depth)
	sort.Strings(out)
	return out, nil
}

// DetermineStorageGroup returns a mapping of storage_group -> rewritten
// path for every storage group reachable from pathWithWildcards. Wildcards
// in the prefix are expanded one level at a time, except a trailing
// Wildcard, which is preserved in the rewrite and matches any number of
// levels down to the first storage group encountered along each branch.
func (t *MTree) DetermineStorageGroup(pathWithWildcards string) (map[string]string, error) {
	segments, err := splitPattern(pathWithWildcards)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string)
	var walk func(node *Node, idx int)
	walk = func(node *Node, idx int) {
		if node.Kind == KindStorageGroup {
			sg := node.FullPath()
			if idx >= len(segments) {
				result[sg] = sg
			} else {
				result[sg] = sg + pathSeparator + JoinPath(segments[idx:])
			}
			return
		}
		if idx >= len(segments) {
			return
		}
		seg := segments[idx]
		switch {
		case seg == Wildcard && idx == len(segments)-1:
			for _, name := range sortedChildNames(node) {
				walk(node.Children[name], idx)
			}
		case seg == Wildcard:
			for _, name := range sortedChildNames(node) {
				walk(node.Children[name], idx+1)
			}
		default:
			if child, ok := node.Children[seg]; ok {
				walk(child, idx+1)
			}
		}
	}
	walk(t.root, 1)
	return result, nil
}

// MeasurementRow is one row of get_all_measurement_schema's result.
type MeasurementRow struct {
	FullPath     string
	Alias        string
	StorageGroup string
	DataType     DataType
	Encoding     Encoding
	Compressor   Compressor
	TagOffset    int64
}

// SchemaPlan carries the prefix pattern and pagination for
// get_all_measurement_schema.
type SchemaPlan struct {
	Path   string
	Offset int
	Limit  int
}

// GetAllMeasurementSchema iterates leaves matching plan.Path in tree-walk
// order, applying plan.Offset/plan.Limit (Limit == 0 means unbounded).
func (t *MTree) GetAllMeasurementSchema(plan SchemaPlan) ([]MeasurementRow, error) {
	segments, err := splitPattern(plan.Path)
	if err != nil {
		return nil, err
	}
	leaves := t.collectLeaves(segments)
	rows := make([]MeasurementRow, 0, len(leaves))
	skipped := 0
	for _, leaf := range leaves {
		if plan.Limit != 0 && len(rows) >= plan.Limit {
			break
		}
		if skipped < plan.Offset {
			skipped++
			continue
		}
		sgNode := leaf.Parent.nearestStorageGroup()
		sg := ""
		if sgNode != nil {
			sg = sgNode.FullPath()
		}
		rows = append(rows, MeasurementRow{
			FullPath:     leaf.FullPath(),
			Alias:        leaf.Alias,
			StorageGroup: sg,
			DataType:     leaf.Schema.DataType,
			Encoding:     leaf.Schema.Encoding,
			Compressor:   leaf.Schema.Compressor,
			TagOffset:    leaf.TagOffset,
		})
	}
	return rows, nil
}

// MatchesPattern reports whether fullPath (a concrete, wildcard-free path)
// matches pattern under the same wildcard rules as GetAllTimeSeriesName: a
// non-final Wildcard matches exactly one level, a final Wildcard matches
// any suffix of one or more levels.
func MatchesPattern(fullPath, pattern string) (bool, error) {
	candidate, err := SplitPath(fullPath)
	if err != nil {
		return false, err
	}
	patSegments, err := splitPattern(pattern)
	if err != nil {
		return false, err
	}
	return matchSegments(candidate, patSegments), nil
}

func matchSegments(candidate, pattern []string) bool {
	var rec func(ci, pi int) bool
	rec = func(ci, pi int) bool {
		if pi == len(pattern) {
			return ci == len(candidate)
		}
		p := pattern[pi]
		if p == Wildcard && pi == len(pattern)-1 {
			return ci < len(candidate)
		}
		if ci >= len(candidate) {
			return false
		}
		if p == Wildcard {
			return rec(ci+1, pi+1)
		}
		if candidate[ci] != p {
			return false
		}
		return rec(ci+1, pi+1)
	}
	return rec(0, 0)
}
