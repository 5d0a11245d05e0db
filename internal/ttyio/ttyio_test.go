package ttyio

import "testing"

func TestValidBaud(t *testing.T) {
	for _, b := range []int{0, 1200, 9600, 57600, 115200, 4000000} {
		if !ValidBaud(b) {
			t.Errorf("expected %d to be a valid baud rate", b)
		}
	}
}

func TestValidBaud_RejectsNonStandardRate(t *testing.T) {
	for _, b := range []int{-1, 1, 57601, 999999999} {
		if ValidBaud(b) {
			t.Errorf("expected %d to be rejected", b)
		}
	}
}
