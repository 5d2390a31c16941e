package crdt

import "errors"

var errShortBuffer = errors.New("crdt: buffer too short to decode")
