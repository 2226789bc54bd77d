// Package pidts generates the monotonic process-timestamp identifier
// spec §6 "Process identifier" describes: "<seconds-since-epoch>
// <milliseconds:3> with monotonicity enforced." Used to name
// processed/renamed files (spec §4.6) and to mint message ids (spec
// §4.6, §4.8).
package pidts

import (
	"fmt"
	"sync"
	"time"
)

var (
	mu   sync.Mutex
	last int64
)

// Next returns the next monotonic identifier as
// "<epoch-seconds><millis:3>", bumping the millisecond field on
// collision with the previously issued value (spec §4.6: "uniqueness
// enforced by bumping the millisecond field on collision").
func Next() string {
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()
	current := now.Unix()*1000 + int64(now.Nanosecond())/1_000_000

	if current <= last {
		current = last + 1
	}
	last = current

	seconds := current / 1000
	millis := current % 1000
	return fmt.Sprintf("%d%03d", seconds, millis)
}
