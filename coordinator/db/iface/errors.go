package iface

import "github.com/pkg/errors"

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

// ErrDuplicate is returned when a uniqueness constraint is violated, such as
// two ceremonies sharing a prefix.
var ErrDuplicate = errors.New("document violates a uniqueness constraint")
