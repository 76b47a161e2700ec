package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/livingmem/livingmem-go/pkg/recall"
)

const memoryBlockHeader = "Relevant memories about the user:"

// FormatMemories renders recall hits as a memory block for prompt
// injection. An empty hit list yields an empty string so callers can
// skip the block entirely.
func FormatMemories(hits []recall.Hit, loc *time.Location) string {
	if len(hits) == 0 {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}

	var b strings.Builder
	b.WriteString(memoryBlockHeader)
	for i, hit := range hits {
		b.WriteString(fmt.Sprintf("\n%d. [%s] %s", i+1, strings.ToLower(string(hit.EventType)), hit.Content))
		if hit.LastAccessTime > 0 {
			b.WriteString(fmt.Sprintf(" (last referenced %s)",
				time.Unix(hit.LastAccessTime, 0).In(loc).Format("2006-01-02")))
		}
	}
	return b.String()
}
