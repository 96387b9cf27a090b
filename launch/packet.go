package launch

import (
	"encoding/binary"
	"fmt"

	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/interfaces"
)

// PacketHeaderSize is the encoded size of a PacketHeader.
const PacketHeaderSize = 4 + cryptoutils.AESBlockSize + 32 + 4 + 4

// PacketHeader accompanies an encrypted secret table.
//
// Wire format, little-endian:
//
//	[flags (u32, 0)][iv (16)][transport_mac (32)][plaintext_length (u32)][ciphertext_length (u32)]
//
// transport_mac = HMAC-SHA-256(TIK, iv || ciphertext).
type PacketHeader struct {
	Flags            uint32
	IV               [cryptoutils.AESBlockSize]byte
	MAC              [32]byte
	PlaintextLength  uint32
	CiphertextLength uint32
}

// BuildPacketHeader authenticates ciphertext with tik.
func BuildPacketHeader(ciphertext []byte, plaintextLength int, tik []byte, iv [cryptoutils.AESBlockSize]byte) *PacketHeader {
	return &PacketHeader{
		Flags:            0,
		IV:               iv,
		MAC:              cryptoutils.HMACSHA256(tik, iv[:], ciphertext),
		PlaintextLength:  uint32(plaintextLength),
		CiphertextLength: uint32(len(ciphertext)),
	}
}

// MarshalBinary encodes the header.
func (h *PacketHeader) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, PacketHeaderSize)
	out = binary.LittleEndian.AppendUint32(out, h.Flags)
	out = append(out, h.IV[:]...)
	out = append(out, h.MAC[:]...)
	out = binary.LittleEndian.AppendUint32(out, h.PlaintextLength)
	out = binary.LittleEndian.AppendUint32(out, h.CiphertextLength)
	return out, nil
}

// ParsePacketHeader decodes a header produced by MarshalBinary.
func ParsePacketHeader(data []byte) (*PacketHeader, error) {
	if len(data) != PacketHeaderSize {
		return nil, fmt.Errorf("%w: packet header is %d bytes, expected %d", interfaces.ErrEncoding, len(data), PacketHeaderSize)
	}
	h := &PacketHeader{}
	h.Flags = binary.LittleEndian.Uint32(data[0:4])
	copy(h.IV[:], data[4:20])
	copy(h.MAC[:], data[20:52])
	h.PlaintextLength = binary.LittleEndian.Uint32(data[52:56])
	h.CiphertextLength = binary.LittleEndian.Uint32(data[56:60])
	return h, nil
}

// Encrypt encrypts a secret table with AES-128-CTR under tek. The IV must
// be fresh and random for every call.
func Encrypt(table, tek []byte, iv [cryptoutils.AESBlockSize]byte) ([]byte, error) {
	if len(tek) != KeySize {
		return nil, fmt.Errorf("%w: TEK must be %d bytes", interfaces.ErrEncoding, KeySize)
	}
	return cryptoutils.AESCTR(tek, iv[:], table)
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext, tek []byte, iv [cryptoutils.AESBlockSize]byte) ([]byte, error) {
	return Encrypt(ciphertext, tek, iv)
}

// SecretPacket is the single-use wire artifact of a secret injection.
type SecretPacket struct {
	Header     []byte
	Ciphertext []byte
}
