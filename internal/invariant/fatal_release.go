//go:build !lifecycledebug

package invariant

const fatal = false
