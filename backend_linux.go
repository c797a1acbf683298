//go:build linux

package taskloop

import (
	"fmt"
)

// validateBackend rejects backends not compiled for this platform.
func validateBackend(b IOBackend) error {
	switch b {
	case BackendAuto, BackendEpoll:
		return nil
	default:
		return fmt.Errorf("taskloop: io backend %q is not available on linux", b)
	}
}
