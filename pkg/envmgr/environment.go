package envmgr

import (
	"github.com/thc1006/testenv/pkg/resource"
)

// TestEnvironment is the bundle of isolated resources created for one test
// id. It is built inside CreateTestEnvironment and valid only until the
// scoped callback returns.
type TestEnvironment struct {
	TestID string

	members map[resource.Kind]Isolated
}

// Member returns the resource of the given kind, if the environment has one.
func (e *TestEnvironment) Member(kind resource.Kind) (Isolated, bool) {
	res, ok := e.members[kind]
	return res, ok
}

// Members returns every resource in the environment. Order is unspecified;
// callers must not depend on cleanup order either.
func (e *TestEnvironment) Members() []Isolated {
	out := make([]Isolated, 0, len(e.members))
	for _, res := range e.members {
		out = append(out, res)
	}
	return out
}

// Database returns the relational member, if present.
func (e *TestEnvironment) Database() (*resource.DatabaseResource, bool) {
	d, ok := e.members[resource.KindDatabase].(*resource.DatabaseResource)
	return d, ok
}

// Cache returns the cache member, if present.
func (e *TestEnvironment) Cache() (*resource.CacheResource, bool) {
	c, ok := e.members[resource.KindCache].(*resource.CacheResource)
	return c, ok
}

// Analytics returns the analytics member, if present.
func (e *TestEnvironment) Analytics() (*resource.AnalyticsResource, bool) {
	a, ok := e.members[resource.KindAnalytics].(*resource.AnalyticsResource)
	return a, ok
}
