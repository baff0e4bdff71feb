package loader

// ProgressSink receives load progress and carries the cooperative
// cancellation signal. It is a nullable collaborator: the loader calls it
// when present but never depends on it.
type ProgressSink interface {
	// SetTotal announces the number of planes about to be processed.
	SetTotal(n int)

	// Advance reports n more planes processed.
	Advance(n int)

	// Cancelled reports whether the user requested cancellation.
	Cancelled() bool
}

// nilProgress is the no-op sink used when the caller supplies none.
type nilProgress struct{}

func (nilProgress) SetTotal(int)    {}
func (nilProgress) Advance(int)     {}
func (nilProgress) Cancelled() bool { return false }

func progressOrNil(p ProgressSink) ProgressSink {
	if p == nil {
		return nilProgress{}
	}
	return p
}
