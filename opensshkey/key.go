package opensshkey

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"sshcore/opensshkey/internal/bcryptpbkdf"
)

const magic = "openssh-key-v1\x00"

// KeyPair is one Ed25519 key extracted from a container: its public
// key, its 64-byte private key (the 32-byte seed followed by the
// public-key suffix OpenSSH appends), and whatever comment followed it.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
	Comment string
}

// ReadFile loads and, if needed, decrypts the openssh-key-v1 container
// at path, expanding a leading "~/" to the caller's home directory
// first. passphrase is ignored (and may be empty) when the container
// is unencrypted.
func ReadFile(path string, passphrase []byte) ([]KeyPair, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("opensshkey: %w", err)
	}
	return Parse(data, passphrase)
}

func expandHome(path string) (string, error) {
	if len(path) < 2 || path[:2] != "~/" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("opensshkey: expanding %q: %w", path, err)
	}
	return filepath.Join(home, path[2:]), nil
}

// Parse decodes an armored openssh-key-v1 container from data and
// returns its Ed25519 key pairs, decrypting with passphrase first if
// the container's cipher is not "none".
func Parse(data []byte, passphrase []byte) ([]KeyPair, error) {
	b64, err := stripArmor(data)
	if err != nil {
		return nil, err
	}
	raw, err := decodeBase64Lenient(b64)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(raw, []byte(magic)) {
		return nil, fmt.Errorf("opensshkey: missing %q magic", magic)
	}
	body := raw[len(magic):]

	r := fieldReader{b: body}
	cipherName := r.getString()
	kdfName := r.getString()
	kdfOptions := r.getString()
	keyCount := r.getUint32()
	_ = r.getString() // public-keys blob: redundant with the private section, ignored
	privBlob := r.getString()
	if r.err != nil {
		return nil, fmt.Errorf("opensshkey: malformed container: %w", r.err)
	}
	if keyCount != 1 {
		return nil, fmt.Errorf("opensshkey: only single-key containers are supported (found %d)", keyCount)
	}

	cleartext, err := decryptPrivateSection(string(cipherName), string(kdfName), kdfOptions, privBlob, passphrase)
	if err != nil {
		return nil, err
	}

	return parsePrivateSection(cleartext)
}

// decryptPrivateSection undoes the container's cipher layer, or
// returns ciphertext unchanged when cipherName is "none".
func decryptPrivateSection(cipherName, kdfName string, kdfOptions, ciphertext, passphrase []byte) ([]byte, error) {
	if cipherName == "none" {
		if kdfName != "none" {
			return nil, fmt.Errorf("opensshkey: cipher none with kdf %q is not a valid combination", kdfName)
		}
		return ciphertext, nil
	}
	if kdfName != "bcrypt" {
		return nil, fmt.Errorf("opensshkey: unsupported kdf %q", kdfName)
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("opensshkey: container is encrypted but no passphrase was given")
	}

	optR := fieldReader{b: kdfOptions}
	salt := optR.getString()
	rounds := optR.getUint32()
	if optR.err != nil {
		return nil, fmt.Errorf("opensshkey: malformed kdf options: %w", optR.err)
	}

	var keyLen, ivLen int
	switch cipherName {
	case "aes256-cbc", "aes256-ctr":
		keyLen, ivLen = 32, 16
	default:
		return nil, fmt.Errorf("opensshkey: unsupported cipher %q", cipherName)
	}

	material, err := bcryptpbkdf.Key(passphrase, salt, int(rounds), keyLen+ivLen)
	if err != nil {
		return nil, fmt.Errorf("opensshkey: deriving key: %w", err)
	}
	key, iv := material[:keyLen], material[keyLen:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("opensshkey: %w", err)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("opensshkey: ciphertext is not a multiple of the block size")
	}
	cleartext := make([]byte, len(ciphertext))
	switch cipherName {
	case "aes256-cbc":
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(cleartext, ciphertext)
	case "aes256-ctr":
		cipher.NewCTR(block, iv).XORKeyStream(cleartext, ciphertext)
	}

	if len(cleartext) < 8 {
		return nil, fmt.Errorf("opensshkey: decrypted section is too short, wrong passphrase")
	}
	check1 := binary.BigEndian.Uint32(cleartext[0:4])
	check2 := binary.BigEndian.Uint32(cleartext[4:8])
	if check1 != check2 {
		return nil, fmt.Errorf("opensshkey: checksum mismatch, wrong passphrase")
	}
	return cleartext, nil
}

// parsePrivateSection reads the decrypted body: the two check ints,
// then per key the algorithm name, public key, private key (seed plus
// the public-key suffix OpenSSH stores redundantly), and comment.
// Trailing padding bytes ("\x01\x02\x03…") are ignored.
func parsePrivateSection(cleartext []byte) ([]KeyPair, error) {
	r := fieldReader{b: cleartext}
	_ = r.getUint32() // check int 1, already validated by the caller
	_ = r.getUint32() // check int 2

	algo := string(r.getString())
	if r.err != nil {
		return nil, fmt.Errorf("opensshkey: malformed private section: %w", r.err)
	}
	if algo != "ssh-ed25519" {
		return nil, fmt.Errorf("opensshkey: unsupported key algorithm %q", algo)
	}

	pub := r.getString()
	priv := r.getString()
	comment := r.getString()
	if r.err != nil {
		return nil, fmt.Errorf("opensshkey: malformed private section: %w", r.err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("opensshkey: ed25519 public key has wrong length %d", len(pub))
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("opensshkey: ed25519 private key has wrong length %d", len(priv))
	}

	return []KeyPair{{
		Public:  append(ed25519.PublicKey(nil), pub...),
		Private: append(ed25519.PrivateKey(nil), priv...),
		Comment: string(comment),
	}}, nil
}

// fieldReader walks the container's length-prefixed fields, identical
// in wire shape to sshwire.Reader but kept local: the container format
// is a key-file concern, not a connection-protocol message.
type fieldReader struct {
	b   []byte
	err error
}

func (r *fieldReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *fieldReader) getUint32() uint32 {
	if r.err != nil || len(r.b) < 4 {
		r.fail(fmt.Errorf("truncated"))
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[:4])
	r.b = r.b[4:]
	return v
}

func (r *fieldReader) getString() []byte {
	if r.err != nil {
		return nil
	}
	n := r.getUint32()
	if r.err != nil {
		return nil
	}
	if uint64(n) > uint64(len(r.b)) {
		r.fail(fmt.Errorf("truncated"))
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}
