package audiohook

import "testing"

func TestDecodePackets_RoundTripsCommandAndAudio(t *testing.T) {
	cmd, err := EncodeCommandPacket(map[string]string{"type": "ping"})
	if err != nil {
		t.Fatalf("EncodeCommandPacket: %v", err)
	}
	audio := []byte{PacketTypeAudio, 0x00, 0x00, 0x03, 0xAA, 0xBB, 0xCC}

	data := append(append([]byte{}, cmd...), audio...)
	packets := DecodePackets(data)
	if len(packets) != 2 {
		t.Fatalf("len(packets) = %d, want 2", len(packets))
	}
	if packets[0].Type != PacketTypeCommand {
		t.Errorf("packets[0].Type = %x, want command", packets[0].Type)
	}
	if packets[1].Type != PacketTypeAudio || string(packets[1].Payload) != string([]byte{0xAA, 0xBB, 0xCC}) {
		t.Errorf("packets[1] = %+v, want audio payload AA BB CC", packets[1])
	}
}

func TestDecodePackets_TruncatedTrailingPacketStopsSilently(t *testing.T) {
	data := []byte{PacketTypeAudio, 0x00, 0x00, 0x10, 0x01, 0x02}
	packets := DecodePackets(data)
	if len(packets) != 0 {
		t.Errorf("len(packets) = %d, want 0 for truncated packet", len(packets))
	}
}

func TestEncodeCommandPacket_TooLarge(t *testing.T) {
	big := make([]byte, maxPacketPayload+10)
	_, err := EncodeCommandPacket(map[string]string{"pad": string(big)})
	if err != ErrCommandTooLarge {
		t.Errorf("err = %v, want ErrCommandTooLarge", err)
	}
}
