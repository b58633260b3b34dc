package media

import "strings"

// DigitBuffer accumulates DTMF characters received on a call, in arrival
// order. Digits pressed before the application asks for them (type-ahead)
// stay in the buffer until a GetDigits call consumes them or the buffer is
// flushed.
//
// DigitBuffer does no locking of its own: it is owned by a call session and
// every access happens under that session's lock.
type DigitBuffer struct {
	digits []byte
}

// Append adds one character to the end of the buffer.
func (b *DigitBuffer) Append(c byte) {
	b.digits = append(b.digits, c)
}

// String returns the buffered characters without consuming them.
func (b *DigitBuffer) String() string {
	return string(b.digits)
}

// Len returns the number of buffered characters.
func (b *DigitBuffer) Len() int {
	return len(b.digits)
}

// Take removes and returns the first n characters. n is clamped to the
// buffer length.
func (b *DigitBuffer) Take(n int) string {
	if n <= 0 {
		return ""
	}
	if n > len(b.digits) {
		n = len(b.digits)
	}
	out := string(b.digits[:n])
	b.digits = append(b.digits[:0], b.digits[n:]...)
	return out
}

// Flush removes and returns everything in the buffer.
func (b *DigitBuffer) Flush() string {
	out := string(b.digits)
	b.digits = b.digits[:0]
	return out
}

// Reset discards the buffer contents.
func (b *DigitBuffer) Reset() {
	b.digits = b.digits[:0]
}

// ReleasePosition scans buffered digits from the start and returns the
// number of characters (1-based) up to and including the first position at
// which the collection is satisfied: either maxDigits characters have been
// scanned or the character just scanned is one of terminators. It returns 0
// when the buffer does not yet satisfy the condition.
//
// A maxDigits of zero or less disables the length limit.
func ReleasePosition(digits string, maxDigits int, terminators string) int {
	for i := 0; i < len(digits); i++ {
		count := i + 1
		if maxDigits > 0 && count == maxDigits {
			return count
		}
		if terminators != "" && strings.IndexByte(terminators, digits[i]) >= 0 {
			return count
		}
	}
	return 0
}

// IsDTMFDigit reports whether c is a character a keypad can produce.
func IsDTMFDigit(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c == '*' || c == '#':
		return true
	case c >= 'A' && c <= 'D':
		return true
	}
	return false
}
