package crypto

import "errors"

const paddingBlock = 160

var ErrInvalidPadding = errors.New("crypto: invalid padding")

// Pad appends a 0x80 terminator and zero fills up to the next 160 byte boundary.
func Pad(msg []byte) []byte {
	n := (len(msg)/paddingBlock + 1) * paddingBlock
	out := make([]byte, n)
	copy(out, msg)
	out[len(msg)] = 0x80
	return out
}

func Unpad(padded []byte) ([]byte, error) {
	for i := len(padded) - 1; i >= 0; i-- {
		switch padded[i] {
		case 0x00:
			continue
		case 0x80:
			return padded[:i], nil
		default:
			return nil, ErrInvalidPadding
		}
	}
	return nil, ErrInvalidPadding
}
