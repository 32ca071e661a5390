package vad

// Result is the classification verdict for a single audio frame.
type Result struct {
	// Speech reports whether the frame contains speech.
	Speech bool

	// Probability is the confidence score in [0, 1]. For amplitude-based
	// detectors this is the normalized RMS of the frame.
	Probability float64
}
