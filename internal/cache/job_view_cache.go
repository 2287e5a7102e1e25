package cache

import (
	"strings"
	"time"

	generationdomain "github.com/propreel/propreel/internal/generation/domain"
)

const defaultTerminalJobTTL = 10 * time.Minute

// JobViewCache stores job views for the status endpoint. Only terminal jobs
// are cached: completed and failed jobs never change again, so a stale read
// is impossible, while in-flight jobs always go to storage.
type JobViewCache interface {
	Get(userID, jobID string) (*generationdomain.JobView, bool)
	Set(userID, jobID string, view *generationdomain.JobView)
}

type jobViewCache struct {
	views Cache[string, *generationdomain.JobView]
	ttl   time.Duration
}

func NewJobViewCache() JobViewCache {
	return &jobViewCache{
		views: NewTTLCache[string, *generationdomain.JobView](),
		ttl:   defaultTerminalJobTTL,
	}
}

func (c *jobViewCache) Get(userID, jobID string) (*generationdomain.JobView, bool) {
	return c.views.Get(cacheKey(userID, jobID))
}

func (c *jobViewCache) Set(userID, jobID string, view *generationdomain.JobView) {
	if view == nil || !view.Status.Terminal() {
		return
	}
	c.views.Set(cacheKey(userID, jobID), view, c.ttl)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, trimmed)
	}
	return strings.Join(values, "|")
}
