// Package testutil holds helpers shared by package tests.
package testutil

import "testing"

// Given, When, and Then name nested subtests after the step they describe.
// Steps run in order, so later steps may observe state set up by earlier ones.
func Given(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("Given "+desc, fn)
}

func When(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("When "+desc, fn)
}

func Then(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("Then "+desc, fn)
}
