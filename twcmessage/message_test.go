package twcmessage

import "testing"

func TestParseMasterHeartbeatRoundTrip(t *testing.T) {
	own := TwcId{0x77, 0x77}
	slave := TwcId{0x12, 0x34}
	frame := BuildMasterHeartbeat(own, slave, 0x05, 1234, 0x01)

	body := decodeFrameForTest(t, frame)
	msg := Parse(body)

	if msg.Kind != KindMasterHeartbeat {
		t.Fatalf("got kind %v, want MasterHeartbeat", msg.Kind)
	}
	if msg.Sender != own || msg.Receiver != slave {
		t.Fatalf("got sender=%v receiver=%v, want %v/%v", msg.Sender, msg.Receiver, own, slave)
	}
	if msg.Cmd != 0x05 || msg.CapCA != 1234 || msg.PlugFlag != 0x01 {
		t.Fatalf("got cmd=%v cap=%v plug=%v", msg.Cmd, msg.CapCA, msg.PlugFlag)
	}
}

func TestParseSlaveHeartbeatRoundTrip(t *testing.T) {
	own := TwcId{0x12, 0x34}
	master := TwcId{0x77, 0x77}
	frame := BuildSlaveHeartbeat(own, master, 0x01, 4000, 3950)

	body := decodeFrameForTest(t, frame)
	msg := Parse(body)

	if msg.Kind != KindSlaveHeartbeat {
		t.Fatalf("got kind %v, want SlaveHeartbeat", msg.Kind)
	}
	if msg.ReqMaxCA != 4000 || msg.ActualCA != 3950 {
		t.Fatalf("got reqMax=%v actual=%v", msg.ReqMaxCA, msg.ActualCA)
	}
}

func TestParseSlaveLinkReady(t *testing.T) {
	own := TwcId{0x12, 0x34}
	frame := BuildSlaveLinkReady(own, Sign(0x55))

	body := decodeFrameForTest(t, frame)
	msg := Parse(body)

	if msg.Kind != KindSlaveLinkReady {
		t.Fatalf("got kind %v, want SlaveLinkReady", msg.Kind)
	}
	if msg.Sender != own {
		t.Fatalf("got sender %v, want %v", msg.Sender, own)
	}
}

func TestParseMasterLinkReadyBeacons(t *testing.T) {
	own := TwcId{0x77, 0x77}
	for _, tc := range []struct {
		build func(TwcId, Sign) []byte
		want  Kind
	}{
		{BuildMasterLinkReady1, KindMasterLinkReady1},
		{BuildMasterLinkReady2, KindMasterLinkReady2},
	} {
		frame := tc.build(own, Sign(0x77))
		body := decodeFrameForTest(t, frame)
		msg := Parse(body)
		if msg.Kind != tc.want {
			t.Fatalf("got kind %v, want %v", msg.Kind, tc.want)
		}
	}
}

func TestParseUnknownType(t *testing.T) {
	var body [14]byte
	body[0], body[1] = 0xAA, 0xBB
	msg := Parse(body)
	if msg.Kind != KindUnknown {
		t.Fatalf("got kind %v, want Unknown", msg.Kind)
	}
}

func TestTwcIdString(t *testing.T) {
	id := TwcId{0x01, 0x0A}
	if got, want := id.String(), "010A"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if (TwcId{}).String() != "0000" {
		t.Fatal("zero id should render as 0000")
	}
	if !(TwcId{}).IsZero() {
		t.Fatal("zero TwcId should report IsZero")
	}
}
