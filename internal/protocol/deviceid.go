package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"strings"

	"github.com/alexjbarnes/bep-sync/internal/errors"
)

// DeviceIDLength is the size in bytes of a device identifier.
const DeviceIDLength = sha256.Size

const luhnBase32Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

// DeviceID identifies a peer. It is the SHA-256 digest of the peer's
// DER-encoded TLS certificate.
type DeviceID [DeviceIDLength]byte

// EmptyDeviceID is the zero value, used where no device is expected.
var EmptyDeviceID DeviceID

// NewDeviceID derives the device identifier from a raw certificate.
func NewDeviceID(rawCert []byte) DeviceID {
	return DeviceID(sha256.Sum256(rawCert))
}

// DeviceIDFromBytes copies a wire-format device id.
func DeviceIDFromBytes(b []byte) (DeviceID, error) {
	var id DeviceID
	if len(b) != DeviceIDLength {
		return id, errors.Protocolf("device id has %d bytes, want %d", len(b), DeviceIDLength)
	}

	copy(id[:], b)

	return id, nil
}

// ParseDeviceID parses the text form produced by String. Dashes, spaces
// and letter case are ignored. The unchecked 52 character form is accepted
// as well.
func ParseDeviceID(s string) (DeviceID, error) {
	var id DeviceID

	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "", " ", "").Replace(s)

	switch len(s) {
	case 56:
		var err error

		s, err = unluhnify(s)
		if err != nil {
			return id, err
		}
	case 52:
	default:
		return id, errors.Newf("device id %q has invalid length", s)
	}

	dec, err := base32.StdEncoding.DecodeString(s + "====")
	if err != nil {
		return id, errors.Wrapf(err, "decoding device id %q", s)
	}

	copy(id[:], dec)

	return id, nil
}

// String returns the canonical text form: 8 dash-separated groups of 7
// characters, each 13 character segment followed by a Luhn check character.
func (d DeviceID) String() string {
	if d == EmptyDeviceID {
		return ""
	}

	id := strings.TrimRight(base32.StdEncoding.EncodeToString(d[:]), "=")

	return chunkify(luhnify(id))
}

// Short returns the first group of the text form, for log lines.
func (d DeviceID) Short() string {
	s := d.String()
	if len(s) < 7 {
		return s
	}

	return s[:7]
}

// ShortID returns the first 8 bytes as an integer. It identifies this
// device's counter in version vectors and the modified_by field.
func (d DeviceID) ShortID() uint64 {
	return binary.BigEndian.Uint64(d[:8])
}

// IsZero reports whether the id is unset.
func (d DeviceID) IsZero() bool {
	return d == EmptyDeviceID
}

// Compare orders device ids bytewise.
func (d DeviceID) Compare(other DeviceID) int {
	return bytes.Compare(d[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (d DeviceID) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DeviceID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = EmptyDeviceID
		return nil
	}

	id, err := ParseDeviceID(string(b))
	if err != nil {
		return err
	}

	*d = id

	return nil
}

func luhnify(s string) string {
	var b strings.Builder

	for i := 0; i < 4; i++ {
		p := s[i*13 : (i+1)*13]
		b.WriteString(p)
		b.WriteByte(luhnBase32(p))
	}

	return b.String()
}

func unluhnify(s string) (string, error) {
	var b strings.Builder

	for i := 0; i < 4; i++ {
		p := s[i*14 : (i+1)*14-1]
		check := s[(i+1)*14-1]

		if strings.IndexByte(luhnBase32Alphabet, check) < 0 {
			return "", errors.Newf("device id contains invalid character %q", check)
		}

		for j := 0; j < len(p); j++ {
			if strings.IndexByte(luhnBase32Alphabet, p[j]) < 0 {
				return "", errors.Newf("device id contains invalid character %q", p[j])
			}
		}

		if luhnBase32(p) != check {
			return "", errors.Newf("device id check character mismatch in group %d", i+1)
		}

		b.WriteString(p)
	}

	return b.String(), nil
}

// luhnBase32 computes the Luhn mod 32 check character. s must only contain
// characters from the base32 alphabet.
func luhnBase32(s string) byte {
	const n = len(luhnBase32Alphabet)

	factor := 1
	sum := 0

	for i := 0; i < len(s); i++ {
		addend := factor * strings.IndexByte(luhnBase32Alphabet, s[i])
		if factor == 2 {
			factor = 1
		} else {
			factor = 2
		}

		sum += addend/n + addend%n
	}

	return luhnBase32Alphabet[(n-sum%n)%n]
}

func chunkify(s string) string {
	parts := make([]string, 0, len(s)/7)
	for i := 0; i < len(s); i += 7 {
		parts = append(parts, s[i:min(i+7, len(s))])
	}

	return strings.Join(parts, "-")
}
