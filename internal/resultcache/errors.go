package resultcache

import "github.com/rotisserie/eris"

// ErrEmptyStage is returned when a result is saved without a stage key.
var ErrEmptyStage = eris.New("resultcache: stage key cannot be empty")
