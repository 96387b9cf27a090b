package launch

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSecretTableLayout(t *testing.T) {
	table, err := BuildSecretTable(DiskPassphrase([]byte("hunter2")))
	require.NoError(t, err)
	defer table.Destroy()

	assert.Equal(t,
		"42f5741edd71664d963eef4287ff173b2f000000"+
			"e5696873f084734992ec06879ce3da0b1b00000068756e74657232"+
			"00",
		hex.EncodeToString(table.Bytes()))
	assert.Zero(t, table.Len()%cryptoutils.AESBlockSize)

	entries, err := ParseSecretTable(table.Bytes())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DiskPassphraseGUID, entries[0].GUID)
	assert.Equal(t, []byte("hunter2"), entries[0].Value)
}

func TestBuildSecretTableMultipleEntries(t *testing.T) {
	other := uuid.MustParse("e6f5a162-d67f-4750-a67c-5d065f2a9910")
	table, err := BuildSecretTable(
		DiskPassphrase([]byte("disk")),
		SecretEntry{GUID: other, Value: bytes.Repeat([]byte{0xAB}, 100)},
	)
	require.NoError(t, err)

	entries, err := ParseSecretTable(table.Bytes())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, other, entries[1].GUID)
	assert.Len(t, entries[1].Value, 100)
}

func TestBuildSecretTableErrors(t *testing.T) {
	tests := []struct {
		name    string
		entries []SecretEntry
	}{
		{name: "no entries"},
		{name: "empty value", entries: []SecretEntry{DiskPassphrase(nil)}},
		{name: "nil guid", entries: []SecretEntry{{Value: []byte("x")}}},
		{name: "too large", entries: []SecretEntry{DiskPassphrase(make([]byte, MaxSecretTableSize))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildSecretTable(tt.entries...)
			require.ErrorIs(t, err, interfaces.ErrEncoding)
		})
	}
}

func TestParseSecretTableRejectsMalformed(t *testing.T) {
	table, err := BuildSecretTable(DiskPassphrase([]byte("hunter2")))
	require.NoError(t, err)
	raw := bytes.Clone(table.Bytes())

	bad := bytes.Clone(raw)
	bad[0] ^= 1
	_, err = ParseSecretTable(bad)
	require.ErrorIs(t, err, interfaces.ErrEncoding)

	bad = bytes.Clone(raw)
	bad[16] = 0xFF
	_, err = ParseSecretTable(bad)
	require.ErrorIs(t, err, interfaces.ErrEncoding)

	bad = bytes.Clone(raw)
	bad[36] = 0x03
	_, err = ParseSecretTable(bad)
	require.ErrorIs(t, err, interfaces.ErrEncoding)

	_, err = ParseSecretTable(raw[:8])
	require.ErrorIs(t, err, interfaces.ErrEncoding)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tek, err := cryptoutils.RandomBytes(KeySize)
	require.NoError(t, err)

	for _, size := range []int{1, 16, 47, 48, 4096} {
		table, err := cryptoutils.RandomBytes(size)
		require.NoError(t, err)
		iv, err := cryptoutils.RandomIV()
		require.NoError(t, err)

		ct, err := Encrypt(table, tek, iv)
		require.NoError(t, err)
		require.Len(t, ct, size)

		pt, err := Decrypt(ct, tek, iv)
		require.NoError(t, err)
		assert.Equal(t, table, pt)
	}

	_, err = Encrypt([]byte("x"), tek[:8], [16]byte{})
	require.ErrorIs(t, err, interfaces.ErrEncoding)
}

func TestEncryptFreshIVsDiffer(t *testing.T) {
	tek, err := cryptoutils.RandomBytes(KeySize)
	require.NoError(t, err)
	table := bytes.Repeat([]byte("secret"), 8)

	seen := make(map[string]struct{})
	for i := 0; i < 256; i++ {
		iv, err := cryptoutils.RandomIV()
		require.NoError(t, err)
		ct, err := Encrypt(table, tek, iv)
		require.NoError(t, err)
		_, dup := seen[string(ct)]
		require.False(t, dup, "ciphertext repeated at trial %d", i)
		seen[string(ct)] = struct{}{}
	}
}

func TestPacketHeaderGolden(t *testing.T) {
	tik := make([]byte, KeySize)
	for i := range tik {
		tik[i] = byte(i)
	}
	var iv [16]byte
	copy(iv[:], bytes.Repeat([]byte{0xAA}, 16))
	ciphertext := make([]byte, 32)
	for i := range ciphertext {
		ciphertext[i] = byte(i)
	}

	h := BuildPacketHeader(ciphertext, 30, tik, iv)
	assert.Equal(t, "b6ac3d53af4ac92695930c55602e8d4c692aca126559e8b5e6150dd875c4ed03", hex.EncodeToString(h.MAC[:]))

	raw, err := h.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, PacketHeaderSize)
	assert.Equal(t, []byte{0, 0, 0, 0}, raw[0:4])
	assert.Equal(t, iv[:], raw[4:20])
	assert.Equal(t, h.MAC[:], raw[20:52])
	assert.Equal(t, []byte{30, 0, 0, 0}, raw[52:56])
	assert.Equal(t, []byte{32, 0, 0, 0}, raw[56:60])

	parsed, err := ParsePacketHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParsePacketHeader(raw[:59])
	require.ErrorIs(t, err, interfaces.ErrEncoding)
}

func TestPacketHeaderMACCoversEveryCiphertextBit(t *testing.T) {
	tik, err := cryptoutils.RandomBytes(KeySize)
	require.NoError(t, err)
	iv, err := cryptoutils.RandomIV()
	require.NoError(t, err)
	ciphertext, err := cryptoutils.RandomBytes(48)
	require.NoError(t, err)

	base := BuildPacketHeader(ciphertext, 47, tik, iv).MAC
	for i := 0; i < len(ciphertext)*8; i++ {
		mutated := bytes.Clone(ciphertext)
		mutated[i/8] ^= 1 << (i % 8)
		assert.NotEqual(t, base, BuildPacketHeader(mutated, 47, tik, iv).MAC, "bit %d", i)
	}
}

func newVerifiedLaunch(t *testing.T) (*VerifiedLaunch, *SessionKeys) {
	t.Helper()
	tik, err := cryptoutils.RandomBytes(KeySize)
	require.NoError(t, err)
	tek, err := cryptoutils.RandomBytes(KeySize)
	require.NoError(t, err)
	keys := &SessionKeys{TIK: cryptoutils.CopySecretBytes(tik), TEK: cryptoutils.CopySecretBytes(tek)}
	copyKeys := &SessionKeys{TIK: cryptoutils.CopySecretBytes(tik), TEK: cryptoutils.CopySecretBytes(tek)}

	sevInfo := SevInfo{APIMajor: 0, APIMinor: 24, BuildID: 1}.Bytes()
	var fw [DigestSize]byte
	var nonce [NonceSize]byte
	measure := platformMeasure(sevInfo, tik, fw, nonce)

	verified, err := NewPendingLaunch("vm-1", keys, fw).Verify(sevInfo, measure)
	require.NoError(t, err)
	return verified, copyKeys
}

func TestPendingLaunchMismatchDestroysKeys(t *testing.T) {
	tik, err := cryptoutils.RandomBytes(KeySize)
	require.NoError(t, err)
	keys := &SessionKeys{TIK: cryptoutils.CopySecretBytes(tik), TEK: cryptoutils.NewSecretBytes(KeySize)}

	sevInfo := SevInfo{APIMajor: 0, APIMinor: 24, BuildID: 1}.Bytes()
	var fw [DigestSize]byte
	fw[0] = 1
	var nonce [NonceSize]byte
	// platform measured a different firmware
	measure := platformMeasure(sevInfo, tik, [DigestSize]byte{}, nonce)

	pending := NewPendingLaunch("vm-1", keys, fw)
	verified, err := pending.Verify(sevInfo, measure)
	require.Nil(t, verified)
	require.ErrorIs(t, err, interfaces.ErrMeasurementMismatch)

	var mm *interfaces.MeasurementMismatchError
	require.True(t, errors.As(err, &mm))
	assert.Equal(t, interfaces.VMID("vm-1"), mm.VMID)
	assert.Equal(t, measure[:DigestSize], mm.Got)
	assert.True(t, keys.Destroyed())

	// no retry on the same session
	_, err = pending.Verify(sevInfo, measure)
	require.ErrorIs(t, err, interfaces.ErrMissingKeys)
}

func TestPendingLaunchMalformedMeasureIsTerminal(t *testing.T) {
	keys := &SessionKeys{TIK: cryptoutils.NewSecretBytes(KeySize), TEK: cryptoutils.NewSecretBytes(KeySize)}
	pending := NewPendingLaunch("vm-1", keys, [DigestSize]byte{})
	_, err := pending.Verify(nil, []byte{1, 2, 3})
	require.ErrorIs(t, err, interfaces.ErrEncoding)
	assert.True(t, keys.Destroyed())
}

func TestVerifiedLaunchPackageSecret(t *testing.T) {
	verified, platformKeys := newVerifiedLaunch(t)
	assert.Equal(t, interfaces.VMID("vm-1"), verified.VMID())

	packet, err := verified.PackageSecret(DiskPassphrase([]byte("hunter2")))
	require.NoError(t, err)

	header, err := ParsePacketHeader(packet.Header)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(packet.Ciphertext)), header.CiphertextLength)
	assert.Equal(t, uint32(48), header.PlaintextLength)

	expectedMAC := BuildPacketHeader(packet.Ciphertext, 48, platformKeys.TIK.Bytes(), header.IV).MAC
	assert.Equal(t, expectedMAC, header.MAC)

	plaintext, err := Decrypt(packet.Ciphertext, platformKeys.TEK.Bytes(), header.IV)
	require.NoError(t, err)
	entries, err := ParseSecretTable(plaintext)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("hunter2"), entries[0].Value)

	// single use
	_, err = verified.PackageSecret(DiskPassphrase([]byte("again")))
	require.ErrorIs(t, err, interfaces.ErrMissingKeys)
}

func TestVerifiedLaunchBadEntriesStillConsumesKeys(t *testing.T) {
	verified, _ := newVerifiedLaunch(t)
	_, err := verified.PackageSecret()
	require.ErrorIs(t, err, interfaces.ErrEncoding)

	_, err = verified.PackageSecret(DiskPassphrase([]byte("x")))
	require.ErrorIs(t, err, interfaces.ErrMissingKeys)
}
