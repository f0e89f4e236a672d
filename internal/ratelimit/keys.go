package ratelimit

import "fmt"

// globalRouter is used in the rate-limit key when a request isn't scoped to
// a named router (the teacher's original single-tenant deployment shape).
const globalRouter = "GLOBAL"

// Key builds the per-api-key rate-limit key
// "rl:per-api-key:<router-id|GLOBAL>:<user-id>". routerID empty means the
// request isn't router-scoped and falls back to GLOBAL.
func Key(routerID, userID string) string {
	r := routerID
	if r == "" {
		r = globalRouter
	}
	return fmt.Sprintf("rl:per-api-key:%s:%s", r, userID)
}
