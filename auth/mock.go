package auth

import (
	"fmt"
	"net/http"
	"strconv"
)

// MockClient trusts an `x-uid` cookie or header. Dev only.
type MockClient struct{}

func (c *MockClient) Auth(r *http.Request) (int32, error) {
	var uidStr string

	if v, err := r.Cookie("x-uid"); err == nil {
		uidStr = v.Value
	}
	if uidStr == "" {
		uidStr = r.Header.Get("x-uid")
	}
	if uidStr == "" {
		return 0, fmt.Errorf("missing x-uid cookie or header")
	}

	uid, err := strconv.ParseInt(uidStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("error parse x-uid as integer: %v", err)
	}
	if uid <= 0 {
		return 0, fmt.Errorf("x-uid must be positive, got %d", uid)
	}
	return int32(uid), nil
}
