package address

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// ErrInvalidAddress marks input that is neither a hex public key nor a
// decodable SS58 address.
var ErrInvalidAddress = errors.New("invalid address")

const (
	// PubKeyLen is the length of an account public key on the target chains.
	PubKeyLen = 32

	checksumLen = 2
	maxPrefix   = 0x3FFF
)

// checksumContext is the fixed prefix mixed into the SS58 checksum.
var checksumContext = []byte("SS58PRE")

// Canonicalize turns a caller-supplied address into the chain's canonical
// SS58 form. The input may be a hex-encoded 32-byte public key (with or
// without 0x) or an address already encoded under any prefix; the result is
// always re-encoded under the given prefix.
func Canonicalize(raw string, prefix uint16) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidAddress
	}

	if pub, err := decodeHexPubKey(raw); err == nil {
		return Encode(pub, prefix)
	}

	pub, _, err := Decode(raw)
	if err != nil {
		return "", ErrInvalidAddress
	}
	return Encode(pub, prefix)
}

func decodeHexPubKey(raw string) ([]byte, error) {
	if !strings.HasPrefix(raw, "0x") {
		raw = "0x" + raw
	}
	pub, err := hexutil.Decode(raw)
	if err != nil {
		return nil, err
	}
	if len(pub) != PubKeyLen {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", PubKeyLen, len(pub))
	}
	return pub, nil
}

// Encode renders a 32-byte public key as an SS58 address under the given
// network prefix.
func Encode(pub []byte, prefix uint16) (string, error) {
	if len(pub) != PubKeyLen {
		return "", fmt.Errorf("%w: public key must be %d bytes", ErrInvalidAddress, PubKeyLen)
	}
	if prefix > maxPrefix {
		return "", fmt.Errorf("ss58 prefix %d out of range", prefix)
	}

	var body []byte
	if prefix < 64 {
		body = append(body, byte(prefix))
	} else {
		// Two-byte form defined by the SS58 registry for idents 64..16383.
		body = append(body,
			0b0100_0000|byte((prefix&0b0000_0000_1111_1100)>>2),
			byte(prefix>>8)|byte(prefix&0b0000_0000_0000_0011)<<6,
		)
	}
	body = append(body, pub...)
	body = append(body, checksum(body)...)
	return base58.Encode(body), nil
}

// Decode parses an SS58 address and returns the embedded public key and the
// network prefix it was encoded under. The checksum is verified.
func Decode(addr string) ([]byte, uint16, error) {
	body, err := base58.Decode(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddress, err)
	}
	if len(body) < 1 {
		return nil, 0, ErrInvalidAddress
	}

	var prefix uint16
	var offset int
	switch {
	case body[0] < 64:
		prefix = uint16(body[0])
		offset = 1
	case body[0] < 128:
		if len(body) < 2 {
			return nil, 0, ErrInvalidAddress
		}
		lower := uint16(body[0]&0b0011_1111)<<2 | uint16(body[1]>>6)
		upper := uint16(body[1] & 0b0011_1111)
		prefix = upper<<8 | lower
		offset = 2
	default:
		return nil, 0, fmt.Errorf("%w: reserved prefix byte", ErrInvalidAddress)
	}

	if len(body) != offset+PubKeyLen+checksumLen {
		return nil, 0, fmt.Errorf("%w: unexpected length %d", ErrInvalidAddress, len(body))
	}

	payload := body[:offset+PubKeyLen]
	want := body[offset+PubKeyLen:]
	if !bytes.Equal(checksum(payload), want) {
		return nil, 0, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}

	pub := make([]byte, PubKeyLen)
	copy(pub, body[offset:offset+PubKeyLen])
	return pub, prefix, nil
}

func checksum(payload []byte) []byte {
	h, _ := blake2b.New512(nil)
	h.Write(checksumContext)
	h.Write(payload)
	return h.Sum(nil)[:checksumLen]
}
