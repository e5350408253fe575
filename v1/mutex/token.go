package mutex

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

var hostname = sync.OnceValue(func() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
})

// NewToken returns a fresh owner token of the form host:pid:uuid. The
// host and pid only help humans reading the store; uniqueness comes from
// the random UUID.
func NewToken() string {
	return fmt.Sprintf("%s:%d:%s", hostname(), os.Getpid(), uuid.NewString())
}
