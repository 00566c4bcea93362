// Package randsrc exposes the CSPRNG used for key generation and
// nonces: a direct pass-through to crypto/rand.Reader, kept as its own
// package purely so call sites read "randsrc.Reader" rather than
// importing crypto/rand under an alias everywhere.
package randsrc

import "crypto/rand"

// Reader is the package-wide source of cryptographically secure
// randomness.
var Reader = rand.Reader
