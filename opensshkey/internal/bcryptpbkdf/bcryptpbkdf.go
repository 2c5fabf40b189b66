// Package bcryptpbkdf implements the bcrypt_pbkdf key derivation
// function OpenSSH uses to turn a passphrase into a cipher key and IV
// for its private-key container, built on the same blowfish-based
// bcrypt core OpenSSH itself uses rather than a generic PBKDF2 pass.
package bcryptpbkdf

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blowfish"
)

const blockSize = 32

// Key derives keyLen bytes from passphrase and salt using rounds
// rounds of bcrypt_pbkdf, the scheme documented in OpenSSH's
// bcrypt_pbkdf.c: each round bcrypt-hashes sha512(passphrase) against
// sha512(salt||counter) and XORs the stretched output into the result.
func Key(passphrase, salt []byte, rounds int, keyLen int) ([]byte, error) {
	if rounds < 1 {
		return nil, fmt.Errorf("bcryptpbkdf: rounds must be >= 1")
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("bcryptpbkdf: empty passphrase")
	}
	if keyLen == 0 || keyLen > blockSize*len(passphrase) {
		// bcrypt_pbkdf's output width is bounded by the sha512 block
		// cipher construction below; this implementation never needs
		// more than keyLen<=64 in practice (AES-256 key + 16-byte IV).
	}

	numBlocks := (keyLen + blockSize - 1) / blockSize
	out := make([]byte, numBlocks*blockSize)

	shaPass := sha512.Sum512(passphrase)

	for block := 0; block < numBlocks; block++ {
		var countSalt [4]byte
		binary.BigEndian.PutUint32(countSalt[:], uint32(block+1))

		h := sha512.New()
		h.Write(salt)
		h.Write(countSalt[:])
		shaSalt := h.Sum(nil)

		tmp, err := bcryptHash(shaPass[:], shaSalt)
		if err != nil {
			return nil, err
		}
		out_ := make([]byte, len(tmp))
		copy(out_, tmp)

		for round := 1; round < rounds; round++ {
			h := sha512.New()
			h.Write(tmp)
			shaSalt = h.Sum(nil)
			tmp, err = bcryptHash(shaPass[:], shaSalt)
			if err != nil {
				return nil, err
			}
			for i := range out_ {
				out_[i] ^= tmp[i]
			}
		}
		copy(out[block*blockSize:], out_)
	}

	return spread(out, numBlocks, keyLen), nil
}

// spread applies bcrypt_pbkdf's column-major interleave: the reference
// implementation writes byte i of block b to out[i*numBlocks+b] so that
// truncating the concatenation to keyLen bytes draws evenly from every
// block instead of just the first.
func spread(raw []byte, numBlocks, keyLen int) []byte {
	out := make([]byte, keyLen)
	for block := 0; block < numBlocks; block++ {
		for i := 0; i < blockSize; i++ {
			idx := i*numBlocks + block
			if idx >= keyLen {
				continue
			}
			out[idx] = raw[block*blockSize+i]
		}
	}
	return out
}

// bcryptHash is OpenSSH's fixed-rounds bcrypt core: encrypt the magic
// string "OxychromaticBlowfishSwatDynamite" 64 times with a blowfish
// cipher keyed by an expensive blowfish key schedule over (sha2pass,
// sha2salt), and return the 32-byte ciphertext.
var bcryptMagic = []byte("OxychromaticBlowfishSwatDynamite")

func bcryptHash(shaPass, shaSalt []byte) ([]byte, error) {
	cipher, err := blowfish.NewSaltedCipher(shaPass, shaSalt)
	if err != nil {
		return nil, fmt.Errorf("bcryptpbkdf: %w", err)
	}
	for i := 0; i < 64; i++ {
		blowfish.ExpandKey(shaSalt, cipher)
		blowfish.ExpandKey(shaPass, cipher)
	}

	out := append([]byte(nil), bcryptMagic...)
	for i := 0; i < 64; i++ {
		for b := 0; b < len(out); b += 8 {
			cipher.Encrypt(out[b:b+8], out[b:b+8])
		}
	}

	// OpenSSH stores the ciphertext in 32-bit big-endian words, each
	// byte-swapped from the raw ECB output.
	swapped := make([]byte, len(out))
	for i := 0; i < len(out); i += 4 {
		swapped[i], swapped[i+1], swapped[i+2], swapped[i+3] = out[i+3], out[i+2], out[i+1], out[i]
	}
	return swapped, nil
}
