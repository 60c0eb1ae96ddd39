package envelope

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	ciphertext := []byte("opaque bytes, not actually encrypted here")

	sealed, err := Seal(DomainUser, nonce, ciphertext)
	require.NoError(t, err)
	require.True(t, HasMagic(sealed))

	h, inner, err := Open(sealed)
	require.NoError(t, err)
	require.Equal(t, uint8(1), h.Version)
	require.Equal(t, DomainUser, h.Domain)
	require.Equal(t, nonce, h.Nonce)
	require.Equal(t, ciphertext, inner)
}

func TestSealEmptyNonce(t *testing.T) {
	// Vault transit tokens carry their own nonce, so the envelope nonce is empty.
	sealed, err := Seal(DomainServer, nil, []byte("vault:v1:abcdef"))
	require.NoError(t, err)

	h, inner, err := Open(sealed)
	require.NoError(t, err)
	require.Equal(t, DomainServer, h.Domain)
	require.Empty(t, h.Nonce)
	require.Equal(t, []byte("vault:v1:abcdef"), inner)
}

func TestClassify(t *testing.T) {
	user, err := Seal(DomainUser, []byte("abcdefghijkl"), []byte("ct"))
	require.NoError(t, err)
	server, err := Seal(DomainServer, nil, []byte("ct"))
	require.NoError(t, err)

	require.Equal(t, DomainUser, Classify(user))
	require.Equal(t, DomainServer, Classify(server))
	require.Equal(t, DomainUnknown, Classify(nil))
	require.Equal(t, DomainUnknown, Classify([]byte("CSE")))
	require.Equal(t, DomainUnknown, Classify([]byte("random payload without envelope")))
}

func TestClassifyTruncatedEnvelope(t *testing.T) {
	sealed, err := Seal(DomainUser, []byte("abcdefghijkl"), []byte("ciphertext"))
	require.NoError(t, err)

	// Cut inside the header: magic present, header unreadable.
	require.Equal(t, DomainUnknown, Classify(sealed[:6]))
	// Cut inside the magic.
	require.Equal(t, DomainUnknown, Classify(sealed[:3]))
}

func TestClassifyCorruptedDomainCode(t *testing.T) {
	sealed, err := Seal(DomainUser, nil, []byte("ct"))
	require.NoError(t, err)
	sealed[6] = 0x7F // domain code byte
	require.Equal(t, DomainUnknown, Classify(sealed))
}

func TestReadHeaderNoMagic(t *testing.T) {
	h, ok, err := ReadHeader(bytes.NewReader([]byte("not an envelope")))
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, h)
}

func TestReadHeaderRejectsOversizedHeader(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.Write([]byte{0x43, 0x53, 0x45, 0x31})
	buf.Write([]byte{0xFF, 0xFF, 0x03}) // varint32 65535
	_, ok, err := ReadHeader(buf)
	require.True(t, ok)
	require.Error(t, err)
}

func TestWriteHeaderRejectsUnknownDomain(t *testing.T) {
	err := WriteHeader(&bytes.Buffer{}, Header{Version: 1, Domain: DomainUnknown})
	require.Error(t, err)
}

func TestGuardAssertDomain(t *testing.T) {
	g := NewGuard()

	user, err := Seal(DomainUser, nil, []byte("ct"))
	require.NoError(t, err)
	require.NoError(t, g.AssertDomain(user, DomainUser, "durable-store", "chat:1"))
	require.Zero(t, g.ViolationCount())

	server, err := Seal(DomainServer, nil, []byte("ct"))
	require.NoError(t, err)
	verr := g.AssertDomain(server, DomainUser, "durable-store", "chat:2")
	require.Error(t, verr)

	var dv *DomainViolationError
	require.ErrorAs(t, verr, &dv)
	require.Equal(t, "durable-store", dv.Tier)
	require.Equal(t, DomainUser, dv.Expected)
	require.Equal(t, DomainServer, dv.Found)

	require.EqualValues(t, 1, g.ViolationCount())
	violations := g.Violations()
	require.Len(t, violations, 1)
	require.Equal(t, "chat:2", violations[0].Ref)
}

func TestGuardFlagsUnknownPayload(t *testing.T) {
	g := NewGuard()
	err := g.AssertDomain([]byte("no envelope here"), DomainUser, "sync-cache", "k")
	var dv *DomainViolationError
	require.ErrorAs(t, err, &dv)
	require.Equal(t, DomainUnknown, dv.Found)
	require.EqualValues(t, 1, g.ViolationCount())
}
