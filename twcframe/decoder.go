package twcframe

import "fmt"

// Decoder accumulates raw bytes off the wire (escaped, possibly corrupted by
// a missing RS-485 terminator) into complete 14-byte bodies. It holds no
// reference to a transport; AddByte is fed one byte at a time by the
// twcmaster and twcslave scheduling loops.
//
// It is not safe for concurrent use; the single-threaded scheduling loop in
// spec.md §5 is the only caller.
type Decoder struct {
	raw        []byte // bytes since the current candidate frame's StartMarker
	inProgress bool
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{raw: make([]byte, 0, FrameLen+8)}
}

// Idle reports whether no partial inbound frame is currently buffered.
// spec.md invariant #5 requires outbound sends only while Idle is true.
func (d *Decoder) Idle() bool { return !d.inProgress }

// TrailerRewritten is returned by AddByte when the corrupted 0xC0 0x02 0x00
// trailer was seen and normalized, so the caller can log the diagnostic
// required by spec.md §4.1.
type TrailerRewritten struct{}

func (TrailerRewritten) Error() string {
	return "twcframe: corrupted trailer 0xC0 0x02 0x00 normalized to 0xC0 0xFE"
}

// AddByte feeds one byte of the inbound stream to the decoder. It returns a
// decoded 14-byte body when a complete, checksum-valid frame is found. Every
// other outcome (still accumulating, stray byte dropped, frame discarded)
// returns (nil, nil) except for the two diagnosable conditions spec.md §4.1
// and §7 call out explicitly: a corrupted-but-recoverable trailer (returned
// as a non-fatal TrailerRewritten alongside the decoded body) and framing
// errors the caller should log (wrong length, bad checksum, invalid escape).
func (d *Decoder) AddByte(b byte) (body []byte, err error) {
	if !d.inProgress {
		if b == StartMarker {
			d.inProgress = true
			d.raw = d.raw[:0]
		}
		// Silently drop bytes until a start marker is seen (spec.md §4.1).
		return nil, nil
	}

	if len(d.raw) == 0 && b == EndMarker {
		// A stray terminator right after the start marker: abandon and
		// restart scanning for the next start marker.
		d.inProgress = false
		return nil, nil
	}

	d.raw = append(d.raw, b)

	if len(d.raw) < BodyLen+1 {
		// Not enough bytes yet even for the shortest legitimate trailer
		// match; keep buffering. A StartMarker seen here is ambiguous with
		// a genuine body byte, so only the tail-matching below restarts a
		// candidate frame.
		if len(d.raw) > FrameLen*3 {
			// Runaway buffer with no terminator in sight: resync.
			d.inProgress = false
			d.raw = d.raw[:0]
		}
		return nil, nil
	}

	if ok, corrupted := tailMatches(d.raw); ok {
		d.inProgress = false
		trailerLen := 2
		if corrupted {
			trailerLen = 3
		}
		escaped := d.raw[:len(d.raw)-trailerLen]
		unescaped, uerr := Unescape(escaped)
		if uerr != nil {
			err = uerr
		}
		if len(unescaped) != BodyLen {
			return nil, fmt.Errorf("twcframe: unexpected length %d (want %d): %w", len(unescaped), BodyLen, errUnexpectedLength(unescaped))
		}
		want := Checksum(unescaped)
		if unescaped[BodyLen-1] != want {
			return nil, fmt.Errorf("twcframe: checksum mismatch: got 0x%02X want 0x%02X: %w", unescaped[BodyLen-1], want, errChecksum(unescaped))
		}
		if corrupted {
			// Body already validated; surface the diagnostic alongside the
			// good frame rather than discarding it.
			return unescaped, TrailerRewritten{}
		}
		return unescaped, err
	}

	if len(d.raw) > FrameLen*3 {
		d.inProgress = false
		d.raw = d.raw[:0]
	}
	return nil, nil
}

// tailMatches reports whether raw ends in the canonical terminator (C0 FE)
// or the corrupted, recoverable one (C0 02 00), and which.
func tailMatches(raw []byte) (ok, corrupted bool) {
	n := len(raw)
	if n >= 2 && raw[n-2] == StartMarker && raw[n-1] == EndMarker {
		return true, false
	}
	if n >= 3 && raw[n-3] == StartMarker && raw[n-2] == corruptedTrailer1 && raw[n-1] == corruptedTrailer2 {
		return true, true
	}
	return false, false
}

// errUnexpectedLength and errChecksum carry the offending bytes for a hex
// dump at the call site (spec.md §7: "log + hex dump, drop").
type errUnexpectedLength []byte

func (e errUnexpectedLength) Error() string { return fmt.Sprintf("% x", []byte(e)) }

type errChecksum []byte

func (e errChecksum) Error() string { return fmt.Sprintf("% x", []byte(e)) }
