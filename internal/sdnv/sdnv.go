// Package sdnv implements the Self-Delimiting Numeric Value codec used by
// BPv6 wire formats: a variable-length unsigned integer, seven bits per
// byte, with the top bit of every byte but the last set as a continuation
// flag.
package sdnv

// Flags reports soft failures of a read or write, mirroring the flag bits
// the C implementation ORs into its caller-supplied flags word rather than
// returning a hard error.
type Flags uint16

const (
	// Overflow is set when a read ran out of representable width, or a
	// write was asked to encode more value than fits in the destination.
	Overflow Flags = 1 << iota
	// Incomplete is set when a read or write hit the end of the buffer
	// before the value was fully consumed.
	Incomplete
)

// maxShift bounds a read so a malicious or corrupt buffer of all
// continuation bytes cannot shift an accumulator forever.
const maxShift = 70

// ReadUint decodes a single SDNV from the front of buf.
//
// It returns the decoded value, the number of bytes consumed, and any
// flags raised. On Overflow the partial value is still returned, matching
// the "success oriented" error checking style of the original codec: the
// caller inspects flags rather than treating a zero return as failure.
func ReadUint(buf []byte) (value uint64, n int, flags Flags) {
	if len(buf) == 0 {
		return 0, 0, Incomplete
	}

	var shift uint
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if shift > maxShift {
			flags |= Overflow
			return value, i, flags
		}

		value = (value << 7) | uint64(b&0x7f)
		shift += 7
		n = i + 1

		if b&0x80 == 0 {
			return value, n, flags
		}
	}

	// Ran off the end of buf still inside a continuation byte.
	flags |= Incomplete
	return value, n, flags
}

// WriteUint encodes value into buf using the minimum number of bytes,
// returning the number of bytes written. Flags carries Overflow if buf was
// too small to hold the encoding; in that case the value was truncated the
// way the original write routine truncates to the remaining buffer space.
func WriteUint(buf []byte, value uint64) (n int, flags Flags) {
	size := Size(value)

	if size > len(buf) {
		flags |= Incomplete
		size = len(buf)
	}
	if size == 0 {
		flags |= Overflow
		return 0, flags
	}

	v := value
	for i := size - 1; i >= 0; i-- {
		b := byte(v & 0x7f)
		if i != size-1 {
			b |= 0x80
		}
		buf[i] = b
		v >>= 7
	}
	if v > 0 {
		flags |= Overflow
	}

	return size, flags
}

// Size returns the number of bytes WriteUint would emit for value.
func Size(value uint64) int {
	if value == 0 {
		return 1
	}
	n := 0
	for v := value; v > 0; v >>= 7 {
		n++
	}
	return n
}
