package writegate

import "errors"

// Sentinel errors for write admission.
var (
	// ErrAdmissionTimeout is returned when the gate stayed closed longer than the
	// admission timeout. The caller must abort its write.
	ErrAdmissionTimeout = errors.New("write admission timed out")

	// ErrDrainTimeout is returned when in-flight writes did not finish in time.
	ErrDrainTimeout = errors.New("in-flight writes did not drain in time")
)
