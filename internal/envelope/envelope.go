// Package envelope provides the CSE1 ciphertext envelope format and the
// encryption-domain classifier.
//
// Wire format:
//
//	[4 bytes: 0x43 0x53 0x45 0x31]  "CSE1" magic
//	[varint32: header byte length]
//	[header bytes]                   version, domain code, nonce (see below)
//	[ciphertext bytes]
//
// Header bytes: [1 byte version][1 byte domain code][1 byte nonce length][nonce].
// The domain code is written by the key provider at encrypt time; classification
// reads it back structurally and never guesses from ciphertext content.
package envelope

import (
	"fmt"
	"io"
)

var magic = [4]byte{0x43, 0x53, 0x45, 0x31} // "CSE1"

// Domain is the encryption-key provenance class of a ciphertext.
type Domain string

const (
	// DomainServer marks ciphertext produced via a server-held envelope key.
	// Allowed only in the AI-processing cache tier, never in a durable store.
	DomainServer Domain = "server"
	// DomainUser marks ciphertext produced via a user-controlled key. The only
	// domain allowed in the durable store and the user-facing sync cache.
	DomainUser Domain = "user"
	// DomainUnknown is returned for payloads without a valid envelope.
	DomainUnknown Domain = "unknown"
)

const (
	domainCodeServer byte = 0x01
	domainCodeUser   byte = 0x02
)

// Header is the decoded CSE1 envelope header.
type Header struct {
	Version uint8
	Domain  Domain
	Nonce   []byte
}

// HasMagic reports whether b starts with the CSE1 magic bytes.
func HasMagic(b []byte) bool {
	return len(b) >= 4 &&
		b[0] == magic[0] && b[1] == magic[1] && b[2] == magic[2] && b[3] == magic[3]
}

// Classify returns the domain recorded in the envelope header, or
// DomainUnknown when b carries no valid envelope.
func Classify(b []byte) Domain {
	h, ok, err := ReadHeader(newByteReader(b))
	if err != nil || !ok {
		return DomainUnknown
	}
	return h.Domain
}

// WriteHeader encodes h as a CSE1 envelope prefix and writes it to w.
func WriteHeader(w io.Writer, h Header) error {
	code, err := domainCode(h.Domain)
	if err != nil {
		return err
	}
	if len(h.Nonce) > 255 {
		return fmt.Errorf("envelope: nonce length %d exceeds maximum 255", len(h.Nonce))
	}
	header := make([]byte, 3+len(h.Nonce))
	header[0] = h.Version
	header[1] = code
	header[2] = byte(len(h.Nonce))
	copy(header[3:], h.Nonce)

	buf := make([]byte, 4+varintLen(uint32(len(header)))+len(header))
	copy(buf[:4], magic[:])
	n := putVarint32(buf[4:], uint32(len(header)))
	copy(buf[4+n:], header)
	_, err = w.Write(buf)
	return err
}

// ReadHeader reads the CSE1 magic + varint + header fields from r.
// Returns (header, true, nil) on success, (nil, false, nil) if magic is absent,
// or (nil, true, err) on a read error after the magic has been confirmed present.
func ReadHeader(r io.Reader) (*Header, bool, error) {
	var mgc [4]byte
	if _, err := io.ReadFull(r, mgc[:]); err != nil {
		return nil, false, nil // not enough bytes — treat as no magic
	}
	if mgc != magic {
		return nil, false, nil
	}
	headerLen, err := readVarint32(r)
	if err != nil {
		return nil, true, fmt.Errorf("envelope: reading header length: %w", err)
	}
	// Guard against a crafted header advertising a huge length. Legitimate
	// headers are 3 bytes plus a 12-byte AES-GCM nonce.
	const maxHeaderLen = 512
	if headerLen < 3 || headerLen > maxHeaderLen {
		return nil, true, fmt.Errorf("envelope: header length %d out of range [3, %d]", headerLen, maxHeaderLen)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, true, fmt.Errorf("envelope: reading header bytes: %w", err)
	}
	nonceLen := int(header[2])
	if 3+nonceLen != len(header) {
		return nil, true, fmt.Errorf("envelope: nonce length %d does not match header length %d", nonceLen, len(header))
	}
	domain, err := domainFromCode(header[1])
	if err != nil {
		return nil, true, err
	}
	return &Header{
		Version: header[0],
		Domain:  domain,
		Nonce:   header[3:],
	}, true, nil
}

// Seal wraps ciphertext in a CSE1 envelope for the given domain and nonce.
func Seal(domain Domain, nonce, ciphertext []byte) ([]byte, error) {
	buf := newWriteBuffer(4 + 8 + len(nonce) + len(ciphertext))
	if err := WriteHeader(buf, Header{Version: 1, Domain: domain, Nonce: nonce}); err != nil {
		return nil, err
	}
	buf.b = append(buf.b, ciphertext...)
	return buf.b, nil
}

// Open parses the envelope around b and returns its header and the inner
// ciphertext bytes.
func Open(b []byte) (*Header, []byte, error) {
	r := newByteReader(b)
	h, ok, err := ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("envelope: missing CSE1 magic")
	}
	return h, b[r.off:], nil
}

func domainCode(d Domain) (byte, error) {
	switch d {
	case DomainServer:
		return domainCodeServer, nil
	case DomainUser:
		return domainCodeUser, nil
	default:
		return 0, fmt.Errorf("envelope: cannot encode domain %q", d)
	}
}

func domainFromCode(code byte) (Domain, error) {
	switch code {
	case domainCodeServer:
		return DomainServer, nil
	case domainCodeUser:
		return DomainUser, nil
	default:
		return DomainUnknown, fmt.Errorf("envelope: unknown domain code 0x%02x", code)
	}
}

// ── varint32 helpers (outer framing only) ─────────────────────────────────────

func putVarint32(b []byte, v uint32) int {
	n := 0
	for v >= 0x80 {
		b[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	b[n] = byte(v)
	return n + 1
}

func varintLen(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func readVarint32(r io.Reader) (uint32, error) {
	var v uint32
	var buf [1]byte
	for i := range 5 {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		v |= uint32(buf[0]&0x7F) << (7 * uint(i))
		if buf[0]&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("envelope: varint32 overflow")
}

// byteReader is a minimal reader over a byte slice that tracks its offset,
// so Open can hand back the remaining ciphertext without copying.
type byteReader struct {
	b   []byte
	off int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}

type writeBuffer struct{ b []byte }

func newWriteBuffer(capacity int) *writeBuffer {
	return &writeBuffer{b: make([]byte, 0, capacity)}
}

func (w *writeBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}
