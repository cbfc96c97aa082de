package twcmessage

import (
	"testing"

	"github.com/timcantryn/TWCManager/twcframe"
)

// decodeFrameForTest feeds a fully built, escaped frame through a real
// decoder and returns the recovered body, so message tests exercise the
// same path production code does rather than re-deriving body bytes by
// hand.
func decodeFrameForTest(t *testing.T, frame []byte) [twcframe.BodyLen]byte {
	t.Helper()
	d := twcframe.NewDecoder()
	var got []byte
	for _, b := range frame {
		out, err := d.AddByte(b)
		if err != nil {
			if _, ok := err.(twcframe.TrailerRewritten); !ok {
				t.Fatalf("decoding built frame: %v", err)
			}
		}
		if out != nil {
			got = out
		}
	}
	if got == nil {
		t.Fatal("decoder never produced a body for a frame this package built")
	}
	var body [twcframe.BodyLen]byte
	copy(body[:], got)
	return body
}
