// Package guard switches the binary into test mode when imported from a
// test, so main returns before dialing PostgreSQL or Redis.
package guard

import (
	"os"
	"sync"
)

const testModeEnv = "AUTHZ_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(testModeEnv) == "" {
			_ = os.Setenv(testModeEnv, "1")
		}
	})
}
