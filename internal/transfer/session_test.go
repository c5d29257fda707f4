package transfer

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veildrop/veildrop/internal/cipher"
	"github.com/veildrop/veildrop/internal/quota"
)

func newFile(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func split(b []byte, size int) [][]byte {
	var out [][]byte
	for len(b) > size {
		out = append(out, b[:size])
		b = b[size:]
	}
	return append(out, b)
}

func TestLifecycle(t *testing.T) {
	file := newFile(t, 300)
	s, err := New(Declaration{Filename: "report.pdf", FileSize: 300}, Limits{})
	require.NoError(t, err)
	assert.Equal(t, StateDeclared, s.State())
	assert.Equal(t, cipher.AES256GCM, s.Algorithm)
	assert.True(t, s.Integrity)

	chunks := split(file, 100)
	for i, c := range chunks {
		p, complete, err := s.AddChunk(i, len(chunks), c)
		require.NoError(t, err)
		assert.Equal(t, i == len(chunks)-1, complete)
		assert.EqualValues(t, (i+1)*100, p.Transferred)
		assert.EqualValues(t, 300, p.Total)
		assert.Equal(t, (i+1)*100/3, p.Percentage)
		if !complete {
			assert.Equal(t, StateAccumulating, s.State())
		}
	}
	assert.Equal(t, StateAssembling, s.State())
	assert.True(t, bytes.Equal(file, s.Assemble()))

	res, err := s.Seal()
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, s.State())
	assert.Len(t, res.Sealed.Ciphertext, 300)
	assert.Equal(t, cipher.Hash(file), res.Digest)
	assert.True(t, res.Integrity)
	assert.True(t, res.Verified)

	// A receiver holding a key pair can recover the file.
	kp, err := cipher.GenerateKeyPair()
	require.NoError(t, err)
	env, err := s.SealKeyFor(kp.Public)
	require.NoError(t, err)
	key, err := cipher.OpenKey(env, kp.Private)
	require.NoError(t, err)
	plain, err := cipher.Decrypt(res.Sealed, key, res.Sealed.Algorithm)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(file, plain))

	s.Discard()
	assert.Equal(t, StateDelivered, s.State())
	_, err = s.SealKeyFor(kp.Public)
	assert.Error(t, err)
}

func TestRoundTripAssembly(t *testing.T) {
	for _, n := range []int{1, 99, 100, 101, 4096, 65537} {
		file := newFile(t, n)
		chunks := split(file, 1000)

		s, err := New(Declaration{Filename: "f", FileSize: int64(n)}, Limits{})
		require.NoError(t, err)
		for i, c := range chunks {
			_, _, err := s.AddChunk(i, len(chunks), c)
			require.NoError(t, err)
		}
		assert.True(t, bytes.Equal(file, s.Assemble()), "size %d", n)
	}
}

func TestOutOfOrderCompletion(t *testing.T) {
	file := newFile(t, 30)
	chunks := split(file, 10)

	s, err := New(Declaration{Filename: "f", FileSize: 30}, Limits{})
	require.NoError(t, err)

	// The last index arriving early must not complete the transfer.
	_, complete, err := s.AddChunk(2, 3, chunks[2])
	require.NoError(t, err)
	assert.False(t, complete)

	_, complete, err = s.AddChunk(0, 3, chunks[0])
	require.NoError(t, err)
	assert.False(t, complete)

	_, complete, err = s.AddChunk(1, 3, chunks[1])
	require.NoError(t, err)
	assert.True(t, complete)
	assert.True(t, bytes.Equal(file, s.Assemble()))
}

func TestChunkRejections(t *testing.T) {
	s, err := New(Declaration{Filename: "f", FileSize: 20}, Limits{MaxChunkSize: 10})
	require.NoError(t, err)

	_, _, err = s.AddChunk(0, 2, make([]byte, 10))
	require.NoError(t, err)

	_, _, err = s.AddChunk(0, 2, make([]byte, 10))
	assert.ErrorIs(t, err, ErrDuplicateChunk)
	assert.EqualValues(t, 10, s.Transferred(), "duplicates must not be counted")

	_, _, err = s.AddChunk(2, 2, make([]byte, 1))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	_, _, err = s.AddChunk(-1, 2, make([]byte, 1))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	_, _, err = s.AddChunk(1, 3, make([]byte, 1))
	assert.ErrorIs(t, err, ErrTotalMismatch)

	_, _, err = s.AddChunk(1, 2, make([]byte, 11))
	assert.ErrorIs(t, err, ErrChunkTooLarge)

	assert.Equal(t, 1, s.Received())
	assert.Equal(t, StateAccumulating, s.State())
}

func TestPercentage(t *testing.T) {
	s, err := New(Declaration{Filename: "f", FileSize: 3}, Limits{})
	require.NoError(t, err)

	p, _, err := s.AddChunk(0, 2, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, 33, p.Percentage)

	// More bytes than declared caps at 100.
	p, _, err = s.AddChunk(1, 2, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 100, p.Percentage)

	z, err := New(Declaration{Filename: "empty"}, Limits{})
	require.NoError(t, err)
	assert.Equal(t, 100, z.Percentage())
}

func TestDeclarationOptions(t *testing.T) {
	off := false
	s, err := New(Declaration{
		Filename: "../../etc/passwd",
		FileSize: 1,
		Options:  Options{Method: "chacha20-poly1305", IntegrityCheck: &off},
	}, Limits{})
	require.NoError(t, err)
	assert.Equal(t, "passwd", s.Filename)
	assert.Equal(t, cipher.ChaCha20Poly1305, s.Algorithm)
	assert.False(t, s.Integrity)

	_, _, err = s.AddChunk(0, 1, []byte{7})
	require.NoError(t, err)
	res, err := s.Seal()
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Len(t, res.Sealed.Ciphertext, 1+cipher.TagSize)

	s, err = New(Declaration{Filename: "", Options: Options{Method: "blowfish"}}, Limits{})
	require.NoError(t, err)
	assert.Equal(t, defaultFilename, s.Filename)
	assert.Equal(t, cipher.AES256GCM, s.Algorithm)

	_, err = New(Declaration{FileSize: -1}, Limits{})
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = New(Declaration{Options: Options{Hash: "zz"}}, Limits{})
	assert.Error(t, err)
}

func TestExpectedHash(t *testing.T) {
	file := newFile(t, 50)

	good, err := New(Declaration{FileSize: 50, Options: Options{Hash: cipher.Hash(file).String()}}, Limits{})
	require.NoError(t, err)
	_, _, err = good.AddChunk(0, 1, file)
	require.NoError(t, err)
	res, err := good.Seal()
	require.NoError(t, err)
	assert.True(t, res.Verified)

	bad, err := New(Declaration{FileSize: 50, Options: Options{Hash: cipher.Hash([]byte("other")).String()}}, Limits{})
	require.NoError(t, err)
	_, _, err = bad.AddChunk(0, 1, file)
	require.NoError(t, err)
	res, err = bad.Seal()
	require.NoError(t, err)
	assert.False(t, res.Verified)
}

func TestBudget(t *testing.T) {
	b := quota.New(quota.Config{MaxMemory: 15, MaxFileSize: 100})

	_, err := New(Declaration{FileSize: 101}, Limits{Budget: b})
	assert.ErrorIs(t, err, ErrFileTooLarge)

	s, err := New(Declaration{FileSize: 20}, Limits{Budget: b})
	require.NoError(t, err)

	_, _, err = s.AddChunk(0, 2, make([]byte, 10))
	require.NoError(t, err)
	assert.EqualValues(t, 10, b.Used())

	_, _, err = s.AddChunk(1, 2, make([]byte, 10))
	assert.ErrorIs(t, err, quota.ErrExhausted)
	assert.EqualValues(t, 10, s.Transferred())

	s.Discard()
	assert.Equal(t, StateAborted, s.State())
	assert.EqualValues(t, 0, b.Used())

	_, _, err = s.AddChunk(1, 2, make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotAccepting)
}

func TestSealRequiresCompletion(t *testing.T) {
	s, err := New(Declaration{FileSize: 2}, Limits{})
	require.NoError(t, err)
	_, _, err = s.AddChunk(0, 2, []byte{1})
	require.NoError(t, err)

	_, err = s.Seal()
	assert.Error(t, err)
}
