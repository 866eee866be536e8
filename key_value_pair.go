package rox

// KeyValuePair is a tuple, used in Delta to carry a record's field values in a
// deterministic order over the wire.
type KeyValuePair[TK any, TV any] struct {
	Key   TK `json:"k"`
	Value TV `json:"v"`
}
