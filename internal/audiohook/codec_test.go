package audiohook

import "testing"

func TestDecodeToPCM16LE_UnknownFormatReturnsNil(t *testing.T) {
	if got := decodeToPCM16LE([]byte{1, 2, 3}, "opus"); got != nil {
		t.Errorf("decodeToPCM16LE(unknown) = %v, want nil", got)
	}
}

func TestDecodeToPCM16LE_MulawSilenceIsNearZero(t *testing.T) {
	// 0xFF is mu-law silence.
	got := decodeToPCM16LE([]byte{0xFF, 0xFF}, "PCMU")
	if len(got) != 4 {
		t.Fatalf("len(got) = %d, want 4", len(got))
	}
}

func TestDecodeToPCM16LE_AlawSilenceIsNearZero(t *testing.T) {
	got := decodeToPCM16LE([]byte{0xD5}, "PCMA")
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}

func TestDecodeToPCM16LE_L16LEOddLengthTrimsTrailingByte(t *testing.T) {
	got := decodeToPCM16LE([]byte{1, 2, 3}, "L16LE")
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}

func TestDecodeToPCM16LE_L16SwapsByteOrder(t *testing.T) {
	got := decodeToPCM16LE([]byte{0x01, 0x02}, "L16")
	want := []byte{0x02, 0x01}
	if string(got) != string(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUlawToLinear_RoundTripsExtremes(t *testing.T) {
	// G.711 mu-law: 0x00 is the most negative sample, 0x80 the most positive.
	neg := ulawToLinear(0x00)
	pos := ulawToLinear(0x80)
	if neg >= 0 {
		t.Errorf("ulawToLinear(0x00) = %d, want negative", neg)
	}
	if pos <= 0 {
		t.Errorf("ulawToLinear(0x80) = %d, want positive", pos)
	}
}
