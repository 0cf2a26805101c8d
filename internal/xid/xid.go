package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns prefix-<unix nanos>-<random>. IDs minted later sort after
// earlier ones of the same prefix, which keeps lot tie-breaks chronological.
func New(prefix string) string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	suffix := strings.ReplaceAll(id.String(), "-", "")[:12]
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), suffix)
}
