package stepup

import "context"

// factorVerifier checks one presented credential for one user.
//
// The boolean is the credential outcome; the error is reserved for
// dependency failures (secret store, SMS backend). A wrong credential, a
// missing enrollment, and a malformed value are all `false, nil`, so the
// orchestrator can record a uniform failed response without leaking which
// case occurred — and dependency failures never consume attempts.
type factorVerifier interface {
	Verify(ctx context.Context, userID, presented string) (bool, error)
}
