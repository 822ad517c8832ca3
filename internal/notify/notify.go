// Package notify declares the template-invalidation publisher contract
// implemented by internal/notify/memory and internal/notify/pubsub.
// Adapted from the teacher's crawler.Publisher/internal/publisher, whose
// job was "tell downstream systems a page changed"; here it is "tell a
// host-side template cache a key's content changed" (spec.md §9 "Template
// cache boundary" — this lives entirely outside internal/composer).
package notify

import "context"

// Publisher announces that a template source's content for key has
// changed, so a host-side cache can refetch.
type Publisher interface {
	PublishInvalidation(ctx context.Context, key string, contentHash string) error
}
