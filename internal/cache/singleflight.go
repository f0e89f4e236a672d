package cache

import "golang.org/x/sync/singleflight"

// JoinGroup collapses concurrent cache misses for the same fingerprint into
// one upstream dispatch, fanning the result (or the originator's error) out
// to every waiter. Built on x/sync/singleflight, already a direct dependency
// via errgroup.
type JoinGroup struct {
	g singleflight.Group
}

// Do calls fn at most once per concurrent set of callers sharing key. Every
// caller blocked on the same key receives the same result and error; shared
// reports whether the result was handed to more than one caller, and is then
// true for every caller, including the one whose goroutine actually ran fn.
func (j *JoinGroup) Do(key string, fn func() (any, error)) (v any, shared bool, err error) {
	return j.g.Do(key, fn)
}

// Forget releases key so the next call with the same key runs fn again
// rather than rejoining a just-finished call. The Router calls this after
// a cache fill so a subsequent genuine cache hit doesn't have to pass
// through the single-flight group at all.
func (j *JoinGroup) Forget(key string) {
	j.g.Forget(key)
}
