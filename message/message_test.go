package message

import "testing"

func TestParsePacketType(t *testing.T) {
	tests := []struct {
		b  byte
		pt PacketType
		ok bool
	}{
		{'0', PTOpen, true},
		{'1', PTClose, true},
		{'2', PTPing, true},
		{'3', PTPong, true},
		{'4', PTMessage, true},
		{'5', PTUpgrade, true},
		{'6', PTNoop, true},
		{'7', 0, false},
		{'/', 0, false},
		{'b', 0, false},
	}
	for _, test := range tests {
		pt, err := ParsePacketType(test.b)
		if (err == nil) != test.ok {
			t.Fatalf("ParsePacketType(%q) err=%v, want ok=%v", test.b, err, test.ok)
		}
		if err != nil {
			continue
		}
		if pt != test.pt {
			t.Errorf("ParsePacketType(%q) = %v, want %v", test.b, pt, test.pt)
		}
		if pt.Byte() != test.b {
			t.Errorf("%v.Byte() = %q, want %q", pt, pt.Byte(), test.b)
		}
	}
}

func TestPacketString(t *testing.T) {
	if s := Noop().String(); s != "noop(text,0)" {
		t.Errorf("Noop().String() = %q", s)
	}
	p := Packet{Type: PTMessage, MT: MTBinary, Data: []byte{1, 2}}
	if s := p.String(); s != "message(binary,2)" {
		t.Errorf("String() = %q", s)
	}
	if !p.IsBinary() || Close().IsBinary() {
		t.Errorf("IsBinary mismatch")
	}
	if s := PacketType(42).String(); s != "unknown(42)" {
		t.Errorf("unknown packet type string = %q", s)
	}
}
