package catalog

// ConfigAdapter is the dynamic-configuration adapter consulted, when
// enable_parameter_adapter is set, on every create or delete of a
// time-series or storage group (set_ttl does not consult it). It is an
// external collaborator named by interface only — the catalog never
// implements sizing/admission policy itself, it just calls Adjust* and
// rolls back a vetoed create.
type ConfigAdapter interface {
	// AdjustTimeSeries is called with +1/-1 whenever a leaf is created or
	// deleted. A non-nil error is a veto. A vetoed create is reversed in
	// the tree before the error is surfaced; a vetoed delete is surfaced
	// but the deletion stands.
	AdjustTimeSeries(delta int) error
	// AdjustStorageGroups is called with +1/-1 whenever a storage group is
	// created or deleted.
	AdjustStorageGroups(delta int) error
	// InitCounter and DeleteCounter drive an external per-storage-group
	// active-series counter; best-effort, errors are not propagated.
	InitCounter(sg string)
	DeleteCounter(sg string)
}

// StorageEngine is the raw-data-file owner, invoked when delete_timeseries
// empties a storage group.
type StorageEngine interface {
	DeleteAllDataFiles(sg string) error
}

// NopConfigAdapter is a ConfigAdapter that never vetoes and performs no
// counter bookkeeping. Open uses it when no adapter is given.
type NopConfigAdapter struct{}

func (NopConfigAdapter) AdjustTimeSeries(int) error    { return nil }
func (NopConfigAdapter) AdjustStorageGroups(int) error { return nil }
func (NopConfigAdapter) InitCounter(string)            {}
func (NopConfigAdapter) DeleteCounter(string)          {}

// NopStorageEngine is a StorageEngine that does nothing, used when the
// catalog runs detached from a real storage engine (e.g. in tests).
type NopStorageEngine struct{}

func (NopStorageEngine) DeleteAllDataFiles(string) error { return nil }
