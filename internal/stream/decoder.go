package stream

import "bytes"

// LineDecoder reassembles newline-delimited frames from raw byte chunks that
// arrive at arbitrary boundaries. Bytes after the last newline, including any
// UTF-8 sequence cut mid-rune (a continuation byte can never equal '\n'), stay
// in the carry buffer until a later chunk completes the line. An unterminated
// trailing line is never surfaced as a frame.
type LineDecoder struct {
	carry []byte
}

// Feed appends a chunk and returns every frame completed by it, in order. A
// trailing '\r' is stripped so CRLF and LF streams frame identically.
func (d *LineDecoder) Feed(p []byte) []string {
	if len(p) == 0 {
		return nil
	}
	d.carry = append(d.carry, p...)

	var frames []string
	for {
		i := bytes.IndexByte(d.carry, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(d.carry[:i], []byte{'\r'})
		frames = append(frames, string(line))
		d.carry = d.carry[i+1:]
	}
	if len(d.carry) == 0 {
		d.carry = nil
	}
	return frames
}

// Pending reports whether an incomplete trailing line is buffered.
func (d *LineDecoder) Pending() bool { return len(d.carry) > 0 }
