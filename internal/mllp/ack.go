package mllp

// Frame wraps payload in MLLP start/end-of-block markers for transmission.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+3)
	out = append(out, startOfBlock)
	out = append(out, payload...)
	out = append(out, endOfBlock, carriageReturn)
	return out
}
