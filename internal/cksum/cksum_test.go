package cksum

import "testing"

func TestFletcher64RoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	cksumOff := 32
	sum := SealHeader(buf, cksumOff)
	for i := 0; i < 8; i++ {
		buf[cksumOff+i] = byte(sum >> (8 * uint(i)))
	}
	if !VerifyHeader(buf, cksumOff) {
		t.Fatalf("expected header to verify after sealing")
	}
}

func TestFletcher64DetectsCorruption(t *testing.T) {
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = byte(i * 3)
	}
	cksumOff := 16
	sum := SealHeader(buf, cksumOff)
	for i := 0; i < 8; i++ {
		buf[cksumOff+i] = byte(sum >> (8 * uint(i)))
	}
	buf[0] ^= 0x1
	if VerifyHeader(buf, cksumOff) {
		t.Fatalf("expected single-byte corruption to be detected")
	}
}

func TestRoundUpDown(t *testing.T) {
	cases := []struct{ v, b, up, down int }{
		{10, 4, 12, 8},
		{16, 4, 16, 16},
		{1, 4096, 4096, 0},
	}
	for _, c := range cases {
		if got := RoundUp(c.v, c.b); got != c.up {
			t.Errorf("RoundUp(%d,%d) = %d, want %d", c.v, c.b, got, c.up)
		}
		if got := RoundDown(c.v, c.b); got != c.down {
			t.Errorf("RoundDown(%d,%d) = %d, want %d", c.v, c.b, got, c.down)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, v := range []int{1, 2, 4, 8, 4096} {
		if !IsPowerOfTwo(v) {
			t.Errorf("IsPowerOfTwo(%d) = false, want true", v)
		}
	}
	for _, v := range []int{0, 3, 6, 100} {
		if IsPowerOfTwo(v) {
			t.Errorf("IsPowerOfTwo(%d) = true, want false", v)
		}
	}
}
