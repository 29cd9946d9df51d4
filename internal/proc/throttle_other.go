//go:build !linux

package proc

import "errors"

// errUnsupported is returned on platforms without priority/affinity control.
var errUnsupported = errors.New("process throttling not supported on this platform")

func throttlePID(pid int, dir Direction) error {
	return errUnsupported
}
