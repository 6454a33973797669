// ABOUTME: Publish-time authorization check for (minion, job) pairs
// ABOUTME: Consulted by the publisher before any envelope is sent

package auth

// Authorizer decides whether a minion may receive a given job. The
// publisher marks denied minions' slots as errored without sending.
type Authorizer interface {
	Authorized(minionID, jid string) bool
}

// AllowAll authorizes every (minion, job) pair.
type AllowAll struct{}

// Authorized always returns true.
func (AllowAll) Authorized(string, string) bool { return true }

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(minionID, jid string) bool

// Authorized calls the wrapped function.
func (f AuthorizerFunc) Authorized(minionID, jid string) bool {
	return f(minionID, jid)
}

// DenyList authorizes every minion except those explicitly listed.
type DenyList struct {
	denied map[string]struct{}
}

// NewDenyList builds a DenyList from minion IDs.
func NewDenyList(minionIDs ...string) *DenyList {
	denied := make(map[string]struct{}, len(minionIDs))
	for _, id := range minionIDs {
		denied[id] = struct{}{}
	}
	return &DenyList{denied: denied}
}

// Authorized reports whether the minion is not on the deny list.
func (d *DenyList) Authorized(minionID, _ string) bool {
	_, blocked := d.denied[minionID]
	return !blocked
}
