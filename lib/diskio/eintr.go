package diskio

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
