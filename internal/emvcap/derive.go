package emvcap

import (
	"crypto/cipher"
	"crypto/des"
	"math/bits"
)

const blockSize = des.BlockSize

// MACBlock is one CBC step of the application cryptogram computation.
type MACBlock struct {
	Input  []byte
	Xored  []byte
	Output []byte
}

// MACTranscript records the retail MAC over the padded Generate AC input.
type MACTranscript struct {
	Message []byte
	Padded  []byte
	Blocks  []MACBlock
	// Final is the last block after the KSR decrypt step, before the closing KSL encrypt.
	Final []byte
	AC    []byte
}

// deriveSessionKey walks the key tree along the base-branchFactor digits of the ATC.
func deriveSessionKey(masterKey []byte, atc, branchFactor, height int, iv []byte) ([]byte, []int) {
	path := computePath(atc, branchFactor, height)

	grandparent := append([]byte{}, masterKey...)
	oddParity(grandparent)

	parent := phi(grandparent, iv, path[0], branchFactor)
	for i := 1; i < height-1; i++ {
		next := phi(parent, grandparent, path[i], branchFactor)
		grandparent, parent = parent, next
	}

	final := phi(parent, grandparent, path[height-1], branchFactor)
	sessionKey := xor(final, grandparent)
	oddParity(sessionKey)
	return sessionKey, path
}

func computePath(value, branchFactor, height int) []int {
	digits := make([]int, height)
	for i := height - 1; i >= 0; i-- {
		digits[i] = value % branchFactor
		value /= branchFactor
	}
	return digits
}

func phi(key, data []byte, branch, branchFactor int) []byte {
	left := append([]byte{}, data[:8]...)
	right := append([]byte{}, data[8:16]...)
	x := byte(branch % branchFactor)
	left[7] ^= x
	right[7] ^= x
	right[7] ^= 0xF0

	block := tripleDES(key)
	out := make([]byte, 16)
	block.Encrypt(out[:8], left)
	block.Encrypt(out[8:], right)
	return out
}

func tripleDES(key16 []byte) cipher.Block {
	key := make([]byte, 24)
	copy(key, key16)
	copy(key[16:], key16[:8])
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		// the key length is fixed above
		panic(err)
	}
	return block
}

func singleDES(key8 []byte) cipher.Block {
	block, err := des.NewCipher(key8)
	if err != nil {
		panic(err)
	}
	return block
}

func oddParity(key []byte) {
	for i, b := range key {
		v := b & 0xFE
		if bits.OnesCount8(v)%2 == 0 {
			v |= 0x01
		}
		key[i] = v
	}
}

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// iso9797Method2 appends 0x80 and zero fills to the block size.
func iso9797Method2(msg []byte) []byte {
	padding := blockSize - len(msg)%blockSize
	out := make([]byte, len(msg)+padding)
	copy(out, msg)
	out[len(msg)] = 0x80
	return out
}

// generateAC computes the ISO 9797-1 algorithm 3 MAC with the session key halves.
func generateAC(sessionKey, msg []byte) MACTranscript {
	padded := iso9797Method2(msg)
	ksl, ksr := singleDES(sessionKey[:8]), singleDES(sessionKey[8:16])

	t := MACTranscript{Message: msg, Padded: padded}
	chaining := make([]byte, blockSize)
	for off := 0; off < len(padded); off += blockSize {
		in := padded[off : off+blockSize]
		x := xor(in, chaining)
		next := make([]byte, blockSize)
		ksl.Encrypt(next, x)
		t.Blocks = append(t.Blocks, MACBlock{Input: in, Xored: x, Output: next})
		chaining = next
	}

	intermediate := make([]byte, blockSize)
	ksr.Decrypt(intermediate, chaining)
	ac := make([]byte, blockSize)
	ksl.Encrypt(ac, intermediate)

	t.Final = intermediate
	t.AC = ac
	return t
}
