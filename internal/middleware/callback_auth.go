package middleware

import (
	"crypto/subtle"
	"net/http"
)

// CallbackSecretHeader carries the secret shared with the workflow engine.
const CallbackSecretHeader = "X-Callback-Secret"

// CallbackAuth rejects workflow callbacks that do not present the shared
// secret. Bearer is accepted as well since some engines can only set
// Authorization.
func CallbackAuth(secret string) func(http.Handler) http.Handler {
	want := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(CallbackSecretHeader)
			if got == "" {
				got = extractBearer(r)
			}
			if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				http.Error(w, `{"error":"invalid callback secret"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
