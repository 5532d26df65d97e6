package oneclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXattrValueRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{"json object", `{"a":1,"b":[true,null]}`},
		{"json number", `42`},
		{"plain string", `hello world`},
		{"empty", ``},
		{"binary", string([]byte{0x00, 0xff, 0xfe, 0x01})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := encodeXattrValue(tc.value)
			decoded, err := decodeXattrValue(encoded)
			require.NoError(t, err)
			assert.Equal(t, tc.value, decoded)
		})
	}
}

func TestXattrEncodePlainStringQuotes(t *testing.T) {
	assert.Equal(t, `"hello world"`, encodeXattrValue("hello world"))
}

func TestXattrEncodeBinaryWraps(t *testing.T) {
	encoded := encodeXattrValue(string([]byte{0x00, 0xff}))
	assert.Contains(t, encoded, OnedataBase64Key)
}

func TestXattrDecodeMalformedBase64(t *testing.T) {
	_, err := decodeXattrValue(`{"onedata_base64":"!!!not-base64!!!"}`)
	assert.Error(t, err)
}

func TestCdmiObjectIDRoundTrip(t *testing.T) {
	identity := "uuid-1#space-1"
	objectID := cdmiObjectID(identity)

	decoded, err := identityFromCdmiObjectID(objectID)
	require.NoError(t, err)
	assert.Equal(t, identity, decoded)
}

func TestCdmiObjectIDRejectsGarbage(t *testing.T) {
	_, err := identityFromCdmiObjectID("zz-not-hex")
	assert.Error(t, err)

	_, err = identityFromCdmiObjectID("00")
	assert.Error(t, err)
}

func TestSyntheticXattrCatalogue(t *testing.T) {
	regular := syntheticXattrNames(FileTypeRegular)
	assert.Contains(t, regular, "org.onedata.guid")
	assert.Contains(t, regular, "org.onedata.file_id")
	assert.Contains(t, regular, "org.onedata.space_id")
	assert.Contains(t, regular, "org.onedata.storage_id")
	assert.Contains(t, regular, "org.onedata.storage_file_id")
	assert.Contains(t, regular, "org.onedata.access_type")
	assert.Contains(t, regular, "org.onedata.file_blocks")
	assert.Contains(t, regular, "org.onedata.file_blocks_count")
	assert.Contains(t, regular, "org.onedata.replication_progress")

	dir := syntheticXattrNames(FileTypeDirectory)
	assert.NotContains(t, dir, "org.onedata.storage_id")
	assert.Contains(t, dir, "org.onedata.guid")
}
