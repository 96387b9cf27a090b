package launch

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/interfaces"
)

// GUIDs of the EFI secret area understood by OVMF.
var (
	// SecretTableGUID heads the secret table.
	SecretTableGUID = uuid.MustParse("1e74f542-71dd-4d66-963e-ef4287ff173b")
	// DiskPassphraseGUID tags the disk unlock passphrase entry.
	DiskPassphraseGUID = uuid.MustParse("736869e5-84f0-4973-92ec-06879ce3da0b")
)

const (
	guidSize        = 16
	entryHeaderSize = guidSize + 4

	// MaxSecretTableSize is the size of the guest secret page.
	MaxSecretTableSize = 4096
)

// guidLE is a GUID in the mixed-endian layout used by EFI: the first three
// fields are little-endian.
type guidLE [guidSize]byte

func toGUIDLE(u uuid.UUID) guidLE {
	var g guidLE
	g[0], g[1], g[2], g[3] = u[3], u[2], u[1], u[0]
	g[4], g[5] = u[5], u[4]
	g[6], g[7] = u[7], u[6]
	copy(g[8:], u[8:])
	return g
}

func fromGUIDLE(g []byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = g[3], g[2], g[1], g[0]
	u[4], u[5] = g[5], g[4]
	u[6], u[7] = g[7], g[6]
	copy(u[8:], g[8:16])
	return u
}

// SecretEntry is one typed value of the secret table.
type SecretEntry struct {
	GUID  uuid.UUID
	Value []byte
}

// DiskPassphrase builds the entry OVMF hands to the guest as the disk
// unlock passphrase.
func DiskPassphrase(passphrase []byte) SecretEntry {
	return SecretEntry{GUID: DiskPassphraseGUID, Value: passphrase}
}

// BuildSecretTable encodes entries into an EFI secret table:
//
//	[table GUID (16)][table length (u32)] { [entry GUID (16)][entry length (u32)][value] }... [zero padding]
//
// Lengths are little-endian; each entry length covers its own 20 byte
// header. The table length excludes padding, which extends the table to a
// multiple of the AES block size. The returned buffer holds secret
// plaintext and must be destroyed by the caller.
func BuildSecretTable(entries ...SecretEntry) (*cryptoutils.SecretBytes, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: secret table needs at least one entry", interfaces.ErrEncoding)
	}

	total := entryHeaderSize
	for i, e := range entries {
		if len(e.Value) == 0 {
			return nil, fmt.Errorf("%w: secret table entry %d (%s) is empty", interfaces.ErrEncoding, i, e.GUID)
		}
		if e.GUID == uuid.Nil {
			return nil, fmt.Errorf("%w: secret table entry %d has nil GUID", interfaces.ErrEncoding, i)
		}
		total += entryHeaderSize + len(e.Value)
	}

	padded := total
	if rem := padded % cryptoutils.AESBlockSize; rem != 0 {
		padded += cryptoutils.AESBlockSize - rem
	}
	if padded > MaxSecretTableSize {
		return nil, fmt.Errorf("%w: secret table is %d bytes, limit is %d", interfaces.ErrEncoding, padded, MaxSecretTableSize)
	}

	table := cryptoutils.NewSecretBytes(padded)
	buf := table.Bytes()

	header := toGUIDLE(SecretTableGUID)
	copy(buf, header[:])
	binary.LittleEndian.PutUint32(buf[guidSize:], uint32(total))

	off := entryHeaderSize
	for _, e := range entries {
		g := toGUIDLE(e.GUID)
		copy(buf[off:], g[:])
		binary.LittleEndian.PutUint32(buf[off+guidSize:], uint32(entryHeaderSize+len(e.Value)))
		copy(buf[off+entryHeaderSize:], e.Value)
		off += entryHeaderSize + len(e.Value)
	}

	return table, nil
}

// ParseSecretTable decodes a table produced by BuildSecretTable. Returned
// values alias table.
func ParseSecretTable(table []byte) ([]SecretEntry, error) {
	if len(table) < entryHeaderSize {
		return nil, fmt.Errorf("%w: secret table too short", interfaces.ErrEncoding)
	}
	header := toGUIDLE(SecretTableGUID)
	if !bytes.Equal(table[:guidSize], header[:]) {
		return nil, fmt.Errorf("%w: secret table header GUID mismatch", interfaces.ErrEncoding)
	}
	total := int(binary.LittleEndian.Uint32(table[guidSize:]))
	if total < entryHeaderSize || total > len(table) {
		return nil, fmt.Errorf("%w: secret table length %d out of range", interfaces.ErrEncoding, total)
	}

	var entries []SecretEntry
	for off := entryHeaderSize; off < total; {
		if total-off < entryHeaderSize {
			return nil, fmt.Errorf("%w: truncated secret table entry at offset %d", interfaces.ErrEncoding, off)
		}
		length := int(binary.LittleEndian.Uint32(table[off+guidSize:]))
		if length <= entryHeaderSize || off+length > total {
			return nil, fmt.Errorf("%w: secret table entry length %d at offset %d out of range", interfaces.ErrEncoding, length, off)
		}
		entries = append(entries, SecretEntry{
			GUID:  fromGUIDLE(table[off : off+guidSize]),
			Value: table[off+entryHeaderSize : off+length],
		})
		off += length
	}
	return entries, nil
}
