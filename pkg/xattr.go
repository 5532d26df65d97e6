package oneclient

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Synthetic extended attributes served locally from caches.
const (
	XattrGuid                = OneXattrPrefix + "guid"
	XattrFileID              = OneXattrPrefix + "file_id"
	XattrStorageFileID       = OneXattrPrefix + "storage_file_id"
	XattrStorageID           = OneXattrPrefix + "storage_id"
	XattrSpaceID             = OneXattrPrefix + "space_id"
	XattrAccessType          = OneXattrPrefix + "access_type"
	XattrFileBlocks          = OneXattrPrefix + "file_blocks"
	XattrFileBlocksCount     = OneXattrPrefix + "file_blocks_count"
	XattrReplicationProgress = OneXattrPrefix + "replication_progress"
)

// syntheticXattrNames is the catalogue appended to every listing; the
// storage-dependent tail is advertised for regular files and hard links
// only.
func syntheticXattrNames(fileType FileType) []string {
	names := []string{XattrGuid, XattrFileID, XattrSpaceID}
	if fileType == FileTypeRegular || fileType == FileTypeLink {
		names = append(names,
			XattrStorageID,
			XattrStorageFileID,
			XattrAccessType,
			XattrFileBlocks,
			XattrFileBlocksCount,
			XattrReplicationProgress,
		)
	}
	return names
}

func isSyntheticXattr(name string) bool {
	return strings.HasPrefix(name, OneXattrPrefix)
}

// encodeXattrValue turns a raw user value into the JSON form stored on the
// provider: a JSON value is kept as-is, a plain string is quoted, anything
// else is wrapped as a base64 object.
func encodeXattrValue(value string) string {
	if value == "" {
		return `""`
	}
	if json.Valid([]byte(value)) {
		return value
	}
	if utf8.ValidString(value) {
		if quoted, err := json.Marshal(value); err == nil {
			return string(quoted)
		}
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(value))
	return fmt.Sprintf(`{"%s":"%s"}`, OnedataBase64Key, encoded)
}

// decodeXattrValue inverts encodeXattrValue.
func decodeXattrValue(stored string) (string, error) {
	trimmed := strings.TrimSpace(stored)
	if trimmed == "" {
		return "", nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err == nil {
		if raw, ok := wrapper[OnedataBase64Key]; ok && len(wrapper) == 1 {
			var encoded string
			if err := json.Unmarshal(raw, &encoded); err != nil {
				return "", fmt.Errorf("malformed %s wrapper: %w", OnedataBase64Key, err)
			}
			decoded, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return "", fmt.Errorf("malformed %s payload: %w", OnedataBase64Key, err)
			}
			return string(decoded), nil
		}
	}

	var asString string
	if err := json.Unmarshal([]byte(trimmed), &asString); err == nil {
		return asString, nil
	}

	// Any other JSON value is surfaced verbatim.
	return trimmed, nil
}

// cdmiObjectID encodes an identity as a CDMI object id: a reserved header of
// a zero enterprise number plus the payload length, then the identity,
// hex-encoded in upper case.
func cdmiObjectID(identity string) string {
	payload := []byte(identity)
	header := []byte{0x00, 0x00, 0x00, 0x00, 0x00, byte(len(payload)), 0x00, 0x00}
	return strings.ToUpper(hex.EncodeToString(append(header, payload...)))
}

func identityFromCdmiObjectID(objectID string) (string, error) {
	raw, err := hex.DecodeString(strings.ToLower(objectID))
	if err != nil {
		return "", fmt.Errorf("malformed CDMI object id: %w", err)
	}
	if len(raw) < 8 {
		return "", fmt.Errorf("malformed CDMI object id: too short")
	}
	payload := raw[8:]
	if int(raw[5]) != len(payload) {
		return "", fmt.Errorf("malformed CDMI object id: length mismatch")
	}
	return string(payload), nil
}
