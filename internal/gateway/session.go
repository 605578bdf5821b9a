package gateway

import (
	"sort"
	"time"

	"github.com/sst/opencode-sdk-go"
)

// CreatedAt returns the session's creation time. The server reports
// session times in Unix milliseconds.
func CreatedAt(s opencode.Session) time.Time {
	return time.UnixMilli(int64(s.Time.Created))
}

// UpdatedAt returns the session's last update, falling back to its
// creation time.
func UpdatedAt(s opencode.Session) time.Time {
	if s.Time.Updated == 0 {
		return CreatedAt(s)
	}
	return time.UnixMilli(int64(s.Time.Updated))
}

// ModelIDs returns the provider's model ids in sorted order.
func ModelIDs(p opencode.Provider) []string {
	ids := make([]string, 0, len(p.Models))
	for id := range p.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
