package crypto

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// fileChunkSize is the plaintext size of each sealed chunk in a file.
const fileChunkSize = 64 * 1024

// Files are written as a header followed by length-prefixed chunks:
//
//	[version:1][nonce prefix:16] then per chunk [len:4][ciphertext+tag]
//
// Chunk i uses nonce prefix || uint64(i) and its AAD marks the final chunk,
// so truncation and reordering both fail authentication.
const filePrefixSize = chacha20poly1305.NonceSizeX - 8

// EncryptFile seals the file at src into dst under key.
func EncryptFile(key []byte, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := EncryptStream(key, in, out); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

// DecryptFile opens a file produced by EncryptFile into dst.
func DecryptFile(key []byte, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := DecryptStream(key, in, out); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

// EncryptStream is the streaming form of EncryptFile.
func EncryptStream(key []byte, r io.Reader, w io.Writer) error {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("xchacha20poly1305: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:filePrefixSize]); err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(sealVersion); err != nil {
		return err
	}
	if _, err := bw.Write(nonce[:filePrefixSize]); err != nil {
		return err
	}

	br := bufio.NewReaderSize(r, fileChunkSize)
	buf := make([]byte, fileChunkSize)
	var sealed []byte
	for counter := uint64(0); ; counter++ {
		n, err := io.ReadFull(br, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return err
		}
		final := n < fileChunkSize
		if !final {
			// A full chunk is final only if nothing follows it.
			if _, peekErr := br.Peek(1); errors.Is(peekErr, io.EOF) {
				final = true
			}
		}
		binary.BigEndian.PutUint64(nonce[filePrefixSize:], counter)
		sealed = aead.Seal(sealed[:0], nonce[:], buf[:n], chunkAAD(final))

		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(sealed)))
		if _, err := bw.Write(size[:]); err != nil {
			return err
		}
		if _, err := bw.Write(sealed); err != nil {
			return err
		}
		if final {
			return bw.Flush()
		}
	}
}

// DecryptStream reverses EncryptStream.
func DecryptStream(key []byte, r io.Reader, w io.Writer) error {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("xchacha20poly1305: %w", err)
	}
	br := bufio.NewReader(r)
	version, err := br.ReadByte()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if version != sealVersion {
		return fmt.Errorf("sealed file version %d not supported", version)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(br, nonce[:filePrefixSize]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	maxChunk := fileChunkSize + aead.Overhead()
	buf := make([]byte, maxChunk)
	var plain []byte
	for counter := uint64(0); ; counter++ {
		var size [4]byte
		if _, err := io.ReadFull(br, size[:]); err != nil {
			return fmt.Errorf("chunk %d: truncated file: %w", counter, err)
		}
		n := int(binary.BigEndian.Uint32(size[:]))
		if n < aead.Overhead() || n > maxChunk {
			return fmt.Errorf("chunk %d: invalid length %d", counter, n)
		}
		if _, err := io.ReadFull(br, buf[:n]); err != nil {
			return fmt.Errorf("chunk %d: %w", counter, err)
		}
		binary.BigEndian.PutUint64(nonce[filePrefixSize:], counter)

		final := true
		plain, err = aead.Open(plain[:0], nonce[:], buf[:n], chunkAAD(true))
		if err != nil {
			final = false
			plain, err = aead.Open(plain[:0], nonce[:], buf[:n], chunkAAD(false))
			if err != nil {
				return ErrDecrypt
			}
		}
		if _, err := w.Write(plain); err != nil {
			return err
		}
		if final {
			if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
				return fmt.Errorf("trailing data after final chunk")
			}
			return nil
		}
	}
}

func chunkAAD(final bool) []byte {
	if final {
		return []byte{sealVersion, 1}
	}
	return []byte{sealVersion, 0}
}
