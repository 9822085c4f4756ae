package authtoken

import (
	"sync"
	"time"

	"github.com/Artproton/beacon/pkg/log"
)

// Window is one half-open token validity interval [Start, End). A zero End
// means the window is still open; an empty Token means anonymous.
type Window struct {
	Token     string
	AccountID string
	Start     time.Time
	End       time.Time
}

// Delegate observes token changes.
type Delegate interface {
	// DidUpdateAuthToken is called after a token is set or refreshed.
	DidUpdateAuthToken(token string, accountID string)
}

// maxHistory bounds the number of retained closed windows. Anything older
// has no records left to flush by the time the bound is hit.
const maxHistory = 10

// Context owns the token history. Safe for concurrent use.
type Context struct {
	logger log.Logger

	mu        sync.Mutex
	history   []Window
	delegates []Delegate
}

// NewContext returns an empty context: until the auth service sets a token,
// ValidityWindows reports a single open anonymous window.
func NewContext(logger log.Logger) *Context {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Context{logger: logger.With(log.Component("authtoken"))}
}

// AddDelegate registers a delegate for token updates.
func (c *Context) AddDelegate(d Delegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegates = append(c.delegates, d)
}

// RemoveDelegate unregisters a delegate.
func (c *Context) RemoveDelegate(d Delegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.delegates {
		if cur == d {
			c.delegates = append(c.delegates[:i], c.delegates[i+1:]...)
			return
		}
	}
}

// SetAuthToken records a token change. The previous window is closed at now,
// unless it already ended earlier, and a new window begins. Setting the token that is already
// current only moves its expiry, so a refresh does not split batches.
// An empty token records a sign-out: records from then on go anonymous.
func (c *Context) SetAuthToken(token, accountID string, expiresOn time.Time) {
	now := time.Now()

	c.mu.Lock()
	if n := len(c.history); n > 0 && c.history[n-1].Token == token {
		c.history[n-1].End = expiresOn
		c.history[n-1].AccountID = accountID
	} else {
		if n > 0 && (c.history[n-1].End.IsZero() || c.history[n-1].End.After(now)) {
			c.history[n-1].End = now
		}
		c.history = append(c.history, Window{
			Token:     token,
			AccountID: accountID,
			Start:     now,
			End:       expiresOn,
		})
		if len(c.history) > maxHistory {
			c.history = append([]Window(nil), c.history[len(c.history)-maxHistory:]...)
		}
	}
	delegates := append([]Delegate(nil), c.delegates...)
	c.mu.Unlock()

	c.logger.Debug("auth token updated", log.Str("accountId", accountID), log.Bool("anonymous", token == ""))
	for _, d := range delegates {
		d.DidUpdateAuthToken(token, accountID)
	}
}

// ValidityWindows returns a snapshot of the history, oldest first. The
// windows are non-overlapping and ascending. An empty history yields one
// open anonymous window so callers always have a partition to flush.
func (c *Context) ValidityWindows() []Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return []Window{{}}
	}
	return append([]Window(nil), c.history...)
}

// CurrentToken returns the newest token, or "" when anonymous.
func (c *Context) CurrentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return ""
	}
	return c.history[len(c.history)-1].Token
}

// Clear wipes the history, e.g. when the host app revokes consent.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}
