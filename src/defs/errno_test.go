package defs

import "testing"

func TestErrStringKnownCodes(t *testing.T) {
	cases := map[Err_t]string{
		OK:           "OK",
		INVALID_ARG:  "INVALID_ARG",
		NO_MEMORY:    "NO_MEMORY",
		BUSY:         "BUSY",
		FAULT:        "FAULT",
		NO_DEVICE:    "NO_DEVICE",
		Err_t(-9999): "UNKNOWN",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("Err_t(%d).String() = %q, want %q", code, got, want)
		}
	}
}

func TestErrSatisfiesError(t *testing.T) {
	var err error = FAULT
	if err.Error() != "FAULT" {
		t.Errorf("FAULT.Error() = %q, want FAULT", err.Error())
	}
}
