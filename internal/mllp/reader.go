// Package mllp implements the Minimal Lower Layer Protocol framing used to
// carry HL7-style messages over a persistent TCP stream: each message is
// wrapped in a leading 0x0B and a trailing 0x1C 0x0D.
package mllp

const (
	startOfBlock   byte = 0x0B
	endOfBlock     byte = 0x1C
	carriageReturn byte = 0x0D
)

// Reader incrementally extracts framed messages from a byte stream. It
// holds no I/O state of its own: the caller owns the socket and feeds it
// whatever bytes arrive.
type Reader struct{}

// NewReader returns a ready-to-use Reader.
func NewReader() *Reader {
	return &Reader{}
}

// Feed scans buf for zero or more complete MLLP frames and returns their
// payloads (the bytes strictly between 0x0B and 0x1C) along with whatever
// trailing bytes did not form a complete frame. The caller should prepend
// leftover to the next chunk read from the socket.
//
// A 0x1C not immediately followed by 0x0D is not a valid trailer: scanning
// continues from the next byte without abandoning the in-progress frame,
// so a stray 0x1C inside message content does not desynchronize the
// reader from the real frame boundary that follows it.
func (r *Reader) Feed(buf []byte) (frames [][]byte, leftover []byte) {
	i := 0
	start := -1

	for i < len(buf) {
		if start == -1 {
			if buf[i] == startOfBlock {
				start = i + 1
			}
			i++
			continue
		}

		if buf[i] == endOfBlock {
			if i+1 < len(buf) && buf[i+1] == carriageReturn {
				msg := buf[start:i]
				frames = append(frames, append([]byte(nil), msg...))
				i += 2
				start = -1
				continue
			}
		}
		i++
	}

	if start != -1 {
		return frames, buf[start-1:]
	}
	return frames, nil
}
