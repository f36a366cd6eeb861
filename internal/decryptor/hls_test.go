package decryptor

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encryptForTest(t *testing.T, key, iv, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	padLen := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), make([]byte, padLen)...)
	for i := len(plain); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestDecryptRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, 16)
	plain := []byte("the quick brown fox jumps over")

	ciphertext := encryptForTest(t, key, iv, plain)

	d := NewHLSDecryptor(nil, nil)
	got, err := d.Decrypt(ciphertext, key, iv)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestDecryptRejectsWrongKeyLength(t *testing.T) {
	d := NewHLSDecryptor(nil, nil)
	_, err := d.Decrypt(make([]byte, 16), []byte("short"), make([]byte, 16))
	assert.Error(t, err)
}

func TestDecryptRejectsUnalignedCiphertext(t *testing.T) {
	d := NewHLSDecryptor(nil, nil)
	_, err := d.Decrypt(make([]byte, 17), []byte("0123456789abcdef"), make([]byte, 16))
	assert.Error(t, err)
}

func TestParseIVWithPrefix(t *testing.T) {
	iv, err := ParseIV("0x000000000000000000000000000000ff")
	require.NoError(t, err)
	require.Len(t, iv, 16)
	assert.Equal(t, byte(0xff), iv[15])
}

func TestParseIVPadsShortValues(t *testing.T) {
	iv, err := ParseIV("ff")
	require.NoError(t, err)
	require.Len(t, iv, 16)
	assert.Equal(t, byte(0xff), iv[15])
	assert.Equal(t, byte(0), iv[0])
}

func TestParseIVEmptyReturnsNil(t *testing.T) {
	iv, err := ParseIV("")
	require.NoError(t, err)
	assert.Nil(t, iv)
}

func TestSegmentIVEncodesSequenceNumberBigEndian(t *testing.T) {
	iv := SegmentIV(256)
	assert.Equal(t, byte(1), iv[14])
	assert.Equal(t, byte(0), iv[15])
}
