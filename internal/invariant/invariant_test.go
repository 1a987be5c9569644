//go:build !lifecycledebug

package invariant_test

import (
	"testing"

	"github.com/PetroPower/lifecycle/internal/invariant"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	log, hook := test.NewNullLogger()

	invariant.Check(log, true, "fine", nil)
	require.Empty(t, hook.AllEntries())

	invariant.Check(log, false, "active exceeds max", logrus.Fields{"active": 3})
	require.Len(t, hook.AllEntries(), 1)
	require.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	require.Equal(t, 3, hook.LastEntry().Data["active"])
}
