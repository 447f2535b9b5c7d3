package bus

import (
	"strings"
	"time"
)

// Event is one published notification. Kind is a dot-separated name
// ("store.message_inserted", "store.unread_changed"); subscribers match on
// its prefix. Payload carries the typed event body, asserted by consumers.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespace returns the portion of Kind before the first dot, or the whole
// Kind when it has none.
func (e Event) Namespace() string {
	ns, _, _ := strings.Cut(e.Kind, ".")
	return ns
}
