package domain

import (
	"fmt"
	"strconv"
	"strings"
)

const jobKeyPrefix = "JSID_01_"

// KeyGenerator renders job ids as the keys clients see.
type KeyGenerator struct {
	Host string
	Port int
}

func (g KeyGenerator) Key(id uint32) string {
	return fmt.Sprintf("%s%d_%s_%d", jobKeyPrefix, id, g.Host, g.Port)
}

// ParseJobKey accepts either a full job key or a bare decimal id.
func ParseJobKey(key string) (uint32, error) {
	if !strings.HasPrefix(key, jobKeyPrefix) {
		id, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return 0, NewError(InvalidParameter, "invalid job key %q", key)
		}
		return uint32(id), nil
	}
	rest := strings.TrimPrefix(key, jobKeyPrefix)
	parts := strings.SplitN(rest, "_", 2)
	id, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil || id == 0 {
		return 0, NewError(InvalidParameter, "invalid job key %q", key)
	}
	return uint32(id), nil
}
