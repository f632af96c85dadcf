package domain

// Encoding identifies how a slot artifact is serialized on disk.
type Encoding string

const (
	EncodingCSV  Encoding = "csv"
	EncodingAvro Encoding = "avro"
)

// String returns the string representation of Encoding.
func (e Encoding) String() string {
	return string(e)
}

// IsValid checks if the encoding is a supported value.
func (e Encoding) IsValid() bool {
	return e == EncodingCSV || e == EncodingAvro
}

// Ext returns the file extension for the encoding, including the dot.
func (e Encoding) Ext() string {
	return "." + string(e)
}
