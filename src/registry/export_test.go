package registry

// resetForTest is a package-internal alias for ResetForTesting, used by
// this package's own tests for symmetry with other packages' setup
// helpers.
func resetForTest() {
	ResetForTesting()
}
