// Package payload encodes vertex and index data for staging.
//
// A block is a small header followed by the (possibly compressed) bytes:
//
//	[Encoding uint8][reserved 3 bytes][RawSize uint32][StoredSize uint32][Data...]
//
// StoredSize == 0 marks an uncompressed block. Encode falls back to storing
// raw bytes when compression saves less than 10%.
package payload
