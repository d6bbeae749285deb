package safety

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTokenTTL is how long a confirmation token stays valid.
const DefaultTokenTTL = 5 * time.Minute

type pendingConfirmation struct {
	tool      string
	resource  string
	createdAt time.Time
}

// ConfirmationTracker hands out single-use tokens for destructive tools. A
// token confirms only the tool and instance it was issued for.
type ConfirmationTracker struct {
	destructive map[string]struct{}
	ttl         time.Duration
	now         func() time.Time

	mu     sync.Mutex
	tokens map[string]pendingConfirmation
}

// NewConfirmationTracker returns a tracker for destructiveTools. A ttl of zero
// or less selects DefaultTokenTTL.
func NewConfirmationTracker(destructiveTools []string, ttl time.Duration) *ConfirmationTracker {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	ct := &ConfirmationTracker{
		destructive: make(map[string]struct{}, len(destructiveTools)),
		ttl:         ttl,
		now:         time.Now,
		tokens:      make(map[string]pendingConfirmation),
	}
	for _, tool := range destructiveTools {
		ct.destructive[tool] = struct{}{}
	}
	return ct
}

// NeedsConfirmation reports whether tool is destructive.
func (ct *ConfirmationTracker) NeedsConfirmation(tool string) bool {
	_, ok := ct.destructive[tool]
	return ok
}

// RequestConfirmation issues a token for running tool on resource.
func (ct *ConfirmationTracker) RequestConfirmation(tool, resource string) string {
	token := uuid.NewString()

	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.sweepExpired()
	ct.tokens[token] = pendingConfirmation{
		tool:      tool,
		resource:  resource,
		createdAt: ct.now(),
	}
	return token
}

// Confirm consumes token. It reports true only when the token is unexpired and
// was issued for the same tool and resource. A presented token is spent even
// when it does not match.
func (ct *ConfirmationTracker) Confirm(token, tool, resource string) bool {
	if token == "" {
		return false
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	pending, ok := ct.tokens[token]
	if !ok {
		return false
	}
	delete(ct.tokens, token)

	if ct.now().Sub(pending.createdAt) > ct.ttl {
		return false
	}
	return pending.tool == tool && pending.resource == resource
}

// sweepExpired drops stale tokens. ct.mu must be held.
func (ct *ConfirmationTracker) sweepExpired() {
	now := ct.now()
	for token, p := range ct.tokens {
		if now.Sub(p.createdAt) > ct.ttl {
			delete(ct.tokens, token)
		}
	}
}
