// Package crypto implements the encrypted chunk format of spec §4.3: magic
// "ZIME", a 16-byte salt, a 16-byte IV, and AES-256-CBC/PKCS#7 ciphertext,
// with the key derived via PBKDF2-HMAC-SHA256 (100000 iterations, 32-byte
// output).
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Magic is the 4-byte header that opens every encrypted stream (spec §4.3,
// §8 invariant 6): the bytes 5A 49 4D 45, i.e. ASCII "ZIME".
var Magic = [4]byte{'Z', 'I', 'M', 'E'}

const (
	saltSize    = 16
	ivSize      = 16
	pbkdf2Iters = 100000
	keySize     = 32 // AES-256
	blockSize   = aes.BlockSize
)

// ErrPassphraseRequired is returned when a stream claims to be encrypted but
// no passphrase was configured (spec §4.3 error taxonomy).
var ErrPassphraseRequired = errors.New("crypto: passphrase required for encrypted stream")

// ErrInvalidHeader is returned when the magic, salt, or IV cannot be read.
var ErrInvalidHeader = errors.New("crypto: malformed encrypted header")

// deriveKey runs PBKDF2-HMAC-SHA256 over passphrase and salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iters, keySize, sha256.New)
}

// Encrypt reads all of plaintext and returns the full encrypted frame:
// magic + salt + IV + AES-256-CBC(PKCS#7(plaintext)).
func Encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, blockSize)
	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, len(Magic)+saltSize+ivSize+len(ciphertext))
	out = append(out, Magic[:]...)
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt reverses Encrypt. It returns ErrInvalidHeader if the frame is too
// short, the magic bytes do not match, or the ciphertext is empty or not a
// whole number of blocks, and an error from the padding check (wrong
// passphrase, corrupted ciphertext) otherwise.
func Decrypt(frame []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	if len(frame) < len(Magic)+saltSize+ivSize {
		return nil, ErrInvalidHeader
	}
	if !bytes.Equal(frame[:len(Magic)], Magic[:]) {
		return nil, ErrInvalidHeader
	}

	offset := len(Magic)
	salt := frame[offset : offset+saltSize]
	offset += saltSize
	iv := frame[offset : offset+ivSize]
	offset += ivSize
	ciphertext := frame[offset:]

	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return nil, ErrInvalidHeader
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	plaintextPadded := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintextPadded, ciphertext)

	return pkcs7Unpad(plaintextPadded, blockSize)
}

// NewEncryptWriter returns a WriteCloser that streams plaintext written to it
// through AES-256-CBC and writes the resulting frame (header, then
// ciphertext as whole blocks fill) to w. The header is written immediately
// so downstream chunking sees it as part of the first bytes of output.
// Callers must call Close to flush and pad the final block.
func NewEncryptWriter(w io.Writer, passphrase string) (io.WriteCloser, error) {
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, len(Magic)+saltSize+ivSize)
	header = append(header, Magic[:]...)
	header = append(header, salt...)
	header = append(header, iv...)
	if _, err := w.Write(header); err != nil {
		return nil, fmt.Errorf("crypto: writing header: %w", err)
	}

	return &encryptWriter{w: w, mode: cipher.NewCBCEncrypter(block, iv)}, nil
}

type encryptWriter struct {
	w    io.Writer
	mode cipher.BlockMode
	buf  []byte
}

func (e *encryptWriter) Write(p []byte) (int, error) {
	e.buf = append(e.buf, p...)
	full := len(e.buf) - len(e.buf)%blockSize
	if full > 0 {
		out := make([]byte, full)
		e.mode.CryptBlocks(out, e.buf[:full])
		if _, err := e.w.Write(out); err != nil {
			return 0, fmt.Errorf("crypto: writing ciphertext: %w", err)
		}
		e.buf = append([]byte{}, e.buf[full:]...)
	}
	return len(p), nil
}

// Close pads whatever plaintext remains to a full block and encrypts it.
// AES-CBC/PKCS#7 always emits at least one padding block, even for
// zero-length remainders, so every stream ends in a well-formed final block.
func (e *encryptWriter) Close() error {
	padded := pkcs7Pad(e.buf, blockSize)
	out := make([]byte, len(padded))
	e.mode.CryptBlocks(out, padded)
	if _, err := e.w.Write(out); err != nil {
		return fmt.Errorf("crypto: writing final block: %w", err)
	}
	return nil
}

// NewDecryptReader returns a Reader that yields the decrypted, unpadded
// plaintext of an encrypted stream produced by NewEncryptWriter/Encrypt. It
// reads and validates the header immediately. Because PKCS#7 unpadding can
// only be applied to the true last block, the reader holds one decrypted
// block back until reading the next block either succeeds (the held block
// was not last) or hits EOF (the held block is last and gets unpadded).
func NewDecryptReader(r io.Reader, passphrase string) (io.Reader, error) {
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}

	header := make([]byte, len(Magic)+saltSize+ivSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, ErrInvalidHeader
	}
	if !bytes.Equal(header[:len(Magic)], Magic[:]) {
		return nil, ErrInvalidHeader
	}
	salt := header[len(Magic) : len(Magic)+saltSize]
	iv := header[len(Magic)+saltSize:]

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return &decryptReader{r: r, mode: cipher.NewCBCDecrypter(block, iv)}, nil
}

type decryptReader struct {
	r        io.Reader
	mode     cipher.BlockMode
	held     []byte
	haveHeld bool
	outBuf   []byte
	finished bool
	err      error
}

func (d *decryptReader) Read(p []byte) (int, error) {
	for len(d.outBuf) == 0 {
		if d.err != nil {
			return 0, d.err
		}
		if d.finished {
			return 0, io.EOF
		}
		if err := d.advance(); err != nil {
			d.err = err
			return 0, err
		}
	}
	n := copy(p, d.outBuf)
	d.outBuf = d.outBuf[n:]
	return n, nil
}

func (d *decryptReader) advance() error {
	if !d.haveHeld {
		block, err := d.readBlock()
		if err == io.EOF {
			return errors.New("crypto: empty ciphertext")
		}
		if err != nil {
			return err
		}
		d.held = block
		d.haveHeld = true
	}

	next, err := d.readBlock()
	if err == io.EOF {
		unpadded, uerr := pkcs7Unpad(d.held, blockSize)
		if uerr != nil {
			return uerr
		}
		d.outBuf = unpadded
		d.finished = true
		return nil
	}
	if err != nil {
		return err
	}

	d.outBuf = d.held
	d.held = next
	return nil
}

func (d *decryptReader) readBlock() ([]byte, error) {
	ciphertext := make([]byte, blockSize)
	n, err := io.ReadFull(d.r, ciphertext)
	if err != nil {
		if n == 0 {
			return nil, io.EOF
		}
		return nil, errors.New("crypto: truncated ciphertext block")
	}
	plain := make([]byte, blockSize)
	d.mode.CryptBlocks(plain, ciphertext)
	return plain, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("crypto: invalid padded data length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("crypto: invalid PKCS#7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("crypto: invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}
