// Package binutil holds small helpers shared by the binstruct codec.
package binutil

import "fmt"

// NeedNBytes reports an error if dat is shorter than n bytes.
func NeedNBytes(dat []byte, n int) error {
	if len(dat) < n {
		return fmt.Errorf("need at least %v bytes, only have %v", n, len(dat))
	}
	return nil
}
