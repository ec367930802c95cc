package storageops

import (
	"fmt"
	"strconv"
	"strings"
)

// parseLVBytes parses the trimmed numeric output of `lvs --nosuffix
// --units b` into a byte count.
func parseLVBytes(out string) (uint64, error) {
	trimmed := strings.TrimSpace(out)
	n, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("storageops: parse lv size %q: %w", trimmed, err)
	}
	return n, nil
}
