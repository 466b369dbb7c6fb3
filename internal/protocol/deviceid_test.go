package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeviceID(seed string) DeviceID {
	return NewDeviceID([]byte(seed))
}

func TestDeviceID_StringFormat(t *testing.T) {
	id := testDeviceID("certificate-a")
	s := id.String()

	assert.Len(t, s, 63)

	groups := strings.Split(s, "-")
	require.Len(t, groups, 8)

	for _, g := range groups {
		assert.Len(t, g, 7)
	}

	assert.Equal(t, groups[0], id.Short())
}

func TestParseDeviceID_RoundTrip(t *testing.T) {
	id := testDeviceID("certificate-b")

	parsed, err := ParseDeviceID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseDeviceID_LenientInput(t *testing.T) {
	id := testDeviceID("certificate-c")
	s := id.String()

	variants := []string{
		strings.ToLower(s),
		strings.ReplaceAll(s, "-", ""),
		" " + strings.ReplaceAll(s, "-", " ") + " ",
	}

	for _, v := range variants {
		parsed, err := ParseDeviceID(v)
		require.NoError(t, err, v)
		assert.Equal(t, id, parsed, v)
	}
}

func TestParseDeviceID_UncheckedForm(t *testing.T) {
	id := testDeviceID("certificate-d")
	compact := strings.ReplaceAll(id.String(), "-", "")

	var unchecked strings.Builder
	for i := 0; i < 4; i++ {
		unchecked.WriteString(compact[i*14 : i*14+13])
	}

	parsed, err := ParseDeviceID(unchecked.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseDeviceID_DetectsTypo(t *testing.T) {
	id := testDeviceID("certificate-e")
	compact := []byte(strings.ReplaceAll(id.String(), "-", ""))

	// Change one data character in the first group.
	if compact[0] == 'A' {
		compact[0] = 'B'
	} else {
		compact[0] = 'A'
	}

	_, err := ParseDeviceID(string(compact))
	assert.Error(t, err)
}

func TestParseDeviceID_InvalidLength(t *testing.T) {
	_, err := ParseDeviceID("ABCDEFG")
	assert.Error(t, err)
}

func TestDeviceID_JSON(t *testing.T) {
	type wrapper struct {
		Device DeviceID `json:"device"`
	}

	in := wrapper{Device: testDeviceID("certificate-f")}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), in.Device.String())

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestDeviceIDFromBytes(t *testing.T) {
	id := testDeviceID("certificate-g")

	got, err := DeviceIDFromBytes(id[:])
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = DeviceIDFromBytes(id[:10])
	assert.Error(t, err)
}

func TestDeviceID_ShortIDAndCompare(t *testing.T) {
	a := testDeviceID("a")
	b := testDeviceID("b")

	assert.NotEqual(t, a.ShortID(), b.ShortID())
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -a.Compare(b), b.Compare(a))
	assert.True(t, EmptyDeviceID.IsZero())
	assert.Empty(t, EmptyDeviceID.String())
}
