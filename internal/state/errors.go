package state

import "errors"

// ErrStateExpired is returned when the persisted state is older than the
// configured expiry. The file is left untouched; the operator must refresh
// it before trading can resume.
var ErrStateExpired = errors.New("system state expired")
