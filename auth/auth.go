// Package auth resolves the user identity behind an incoming request.
// Policy lives in the school-administration backend; this server only
// consumes the resolved uid.
package auth

import "net/http"

type Client interface {
	// Auth authenticates the request, returns the uid.
	Auth(r *http.Request) (int32, error)
}
