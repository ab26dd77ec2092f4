//go:build !linux

package link

import (
	"fmt"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
)

// OpenSocket is only available on Linux.
func OpenSocket(ifname string) (Socket, error) {
	return nil, fmt.Errorf("%w: raw ethernet on %s needs linux", errspkg.ErrUnsupported, ifname)
}
