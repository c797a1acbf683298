//go:build darwin

package taskloop

import (
	"fmt"
)

// validateBackend rejects backends not compiled for this platform.
func validateBackend(b IOBackend) error {
	switch b {
	case BackendAuto, BackendKqueue:
		return nil
	default:
		return fmt.Errorf("taskloop: io backend %q is not available on darwin", b)
	}
}
