package catalog

// DataType, Encoding, and Compressor are opaque small-integer identifiers for
// a measurement's on-disk representation. The catalog persists and compares
// these IDs but never interprets them; the value objects themselves are
// owned by the (out-of-scope) storage engine. A handful of concrete IDs are
// enumerated here only so the operation log and tests have concrete values
// to round-trip.
type DataType uint16

const (
	DataTypeBoolean DataType = iota
	DataTypeInt32
	DataTypeInt64
	DataTypeFloat
	DataTypeDouble
	DataTypeText
)

type Encoding uint16

const (
	EncodingPlain Encoding = iota
	EncodingRLE
	EncodingTS2Diff
	EncodingGorilla
)

type Compressor uint16

const (
	CompressorUncompressed Compressor = iota
	CompressorSnappy
	CompressorGzip
	CompressorLZ4
)

// MeasurementSchema is the leaf's schema value object: data type, encoding,
// compressor, and free-form properties. It is opaque to the catalog beyond
// what create_timeseries and get_all_measurement_schema need to persist and
// report.
type MeasurementSchema struct {
	DataType   DataType
	Encoding   Encoding
	Compressor Compressor
	Props      map[string]string
}
