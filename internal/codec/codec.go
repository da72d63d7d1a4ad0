// Package codec defines the KeyCodec/LocationCodec capability pair the
// B-link tree uses to compare and (de)serialise keys and the locations
// they point to, replacing the "global registry of serialisation
// types, looked up by a type tag byte" pattern spec.md §9 flags as
// brittle (adding a new key type meant touching a shared switch
// statement everywhere). A tree is instead parameterised directly by
// the two interfaces below, resolved once at index-creation time.
package codec

// KeyCodec knows how to compare, encode and decode one family of
// index keys. A bytes.Compare-based implementation (BytesKeyCodec)
// covers the byte-string keys the teacher's tree natively stores
// (hmarui66-blink-tree-go/page.go's KeyCmp); other key families
// (composite keys, typed numeric keys) implement the same four
// methods without the tree itself changing.
type KeyCodec interface {
	// Compare orders two encoded keys the same way they would sort on
	// disk; must be consistent with Encode/Decode.
	Compare(a, b []byte) int
	// Encode renders a key value into its on-page byte representation.
	Encode(key interface{}) []byte
	// Decode parses an on-page byte representation back into a key
	// value.
	Decode(data []byte) interface{}
	// MaxValue returns the encoding of the largest possible key for
	// this codec, used as the rightmost page's fence key.
	MaxValue() []byte
}

// LocationCodec knows how to compare, encode and decode the location a
// leaf-level key points to (typically a row identifier elsewhere in
// the database, but a secondary index might point at a primary key
// instead).
type LocationCodec interface {
	Compare(a, b []byte) int
	Encode(loc interface{}) []byte
	Decode(data []byte) interface{}
}
