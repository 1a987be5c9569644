// Package invariant reports broken internal bookkeeping.
//
// Violations are logged at error level. Binaries built with the
// lifecycledebug tag panic instead, so tests can catch them early.
package invariant

import "github.com/sirupsen/logrus"

// Check logs msg with fields when ok is false.
func Check(log logrus.FieldLogger, ok bool, msg string, fields logrus.Fields) {
	if ok {
		return
	}
	if fatal {
		panic("invariant violated: " + msg)
	}
	log.WithFields(fields).Error("invariant violated: " + msg)
}
