// Package codec provides the canonical byte encoding used for channel
// state blobs and their fingerprints.
//
// Encode produces RFC 8785 style canonical JSON from any Go value that
// encoding/json accepts: object keys sorted by UTF-16 code units, strings
// NFC normalized, no HTML escaping, no insignificant whitespace, and no
// floating-point numbers. Two values that are equal after decoding always
// encode to identical bytes, so a restart that reconciles to the same state
// produces the same Digest.
package codec
