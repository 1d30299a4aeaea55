package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	AttachmentKeySize = 64
	attachmentIVSize  = aes.BlockSize
	attachmentMACSize = sha256.Size
)

var ErrAttachmentMAC = errors.New("crypto: attachment mac mismatch")

// AttachmentKey computes the content derived key of a file and the fingerprint the server
// deduplicates on: key = SHA-512(content), fingerprint = base64(SHA-256(key)).
func AttachmentKey(r io.Reader) (key []byte, fileHash string, err error) {
	h := sha512.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, "", fmt.Errorf("crypto: error hashing attachment: %w", err)
	}
	key = h.Sum(nil)
	fp := sha256.Sum256(key)
	return key, base64.StdEncoding.EncodeToString(fp[:]), nil
}

// EncryptAttachment streams src through AES-256-CBC with PKCS7 padding and writes
// IV || ciphertext || HMAC-SHA256(IV || ciphertext) to dst. It returns the bytes written.
func EncryptAttachment(dst io.Writer, src io.Reader, key []byte) (int64, error) {
	if len(key) != AttachmentKeySize {
		return 0, fmt.Errorf("%w: attachment key must be %d bytes", ErrKeyMaterialInvalid, AttachmentKeySize)
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return 0, err
	}
	iv := make([]byte, attachmentIVSize)
	if _, err := crypto_rand.Read(iv); err != nil {
		return 0, err
	}
	mode := cipher.NewCBCEncrypter(block, iv)
	mac := hmac.New(sha256.New, key[32:])
	mac.Write(iv)

	written := int64(0)
	write := func(b []byte) error {
		n, err := dst.Write(b)
		written += int64(n)
		return err
	}
	if err := write(iv); err != nil {
		return written, err
	}

	buf := make([]byte, 32*1024)
	var pending []byte
	for {
		n, rerr := src.Read(buf)
		pending = append(pending, buf[:n]...)
		if full := len(pending) / aes.BlockSize * aes.BlockSize; full > 0 && rerr == nil {
			out := make([]byte, full)
			mode.CryptBlocks(out, pending[:full])
			mac.Write(out)
			if err := write(out); err != nil {
				return written, err
			}
			pending = append(pending[:0], pending[full:]...)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("crypto: error reading attachment: %w", rerr)
		}
	}

	final := pkcs7Pad(pending)
	out := make([]byte, len(final))
	mode.CryptBlocks(out, final)
	mac.Write(out)
	if err := write(out); err != nil {
		return written, err
	}
	return written, write(mac.Sum(nil))
}

// DecryptAttachment verifies and decrypts the layout produced by EncryptAttachment.
func DecryptAttachment(data, key []byte) ([]byte, error) {
	if len(key) != AttachmentKeySize {
		return nil, ErrKeyMaterialInvalid
	}
	if len(data) < attachmentIVSize+aes.BlockSize+attachmentMACSize {
		return nil, ErrAttachmentMAC
	}
	body, tag := data[:len(data)-attachmentMACSize], data[len(data)-attachmentMACSize:]
	mac := hmac.New(sha256.New, key[32:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrAttachmentMAC
	}
	iv, ct := body[:attachmentIVSize], body[attachmentIVSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, ErrInvalidPadding
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	return pkcs7Unpad(out)
}

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}
