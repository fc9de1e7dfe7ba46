package model

import "errors"

// ErrDependencyOrder is returned when a step would start before its dependencies are satisfied.
var ErrDependencyOrder = errors.New("dependency order violation")
