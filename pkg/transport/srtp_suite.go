package transport

import (
	"encoding/base64"
	"fmt"

	"github.com/pion/srtp/v3"
)

// srtpSuites maps the four suite names spec.md §4.2 string-matches
// against the pion protection profile implementing them. Two naming
// conventions for the same cipher both appear across signaling
// dialects, so both are recognized. Mirrors SocketPair::createSRTP's
// "Supported suites are" comment.
var srtpSuites = map[string]srtp.ProtectionProfile{
	"AES_CM_128_HMAC_SHA1_80":     srtp.ProtectionProfileAes128CmHmacSha1_80,
	"SRTP_AES128_CM_HMAC_SHA1_80": srtp.ProtectionProfileAes128CmHmacSha1_80,
	"AES_CM_128_HMAC_SHA1_32":     srtp.ProtectionProfileAes128CmHmacSha1_32,
	"SRTP_AES128_CM_HMAC_SHA1_32": srtp.ProtectionProfileAes128CmHmacSha1_32,
}

// ParseSRTPSuite resolves one of the four suite names spec.md §4.2
// recognizes into the pion protection profile that implements it.
func ParseSRTPSuite(name string) (srtp.ProtectionProfile, error) {
	profile, ok := srtpSuites[name]
	if !ok {
		return 0, fmt.Errorf("unsupported srtp suite %q", name)
	}
	return profile, nil
}

// DecodeSRTPKeyInfo decodes a base64 SRTP key-info blob (master key
// immediately followed by master salt) and splits it according to
// profile's key/salt lengths.
func DecodeSRTPKeyInfo(profile srtp.ProtectionProfile, keyInfoBase64 string) (key, salt []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(keyInfoBase64)
	if err != nil {
		return nil, nil, fmt.Errorf("decode srtp key info: %w", err)
	}
	keyLen, err := profile.KeyLen()
	if err != nil {
		return nil, nil, fmt.Errorf("srtp key length: %w", err)
	}
	saltLen, err := profile.SaltLen()
	if err != nil {
		return nil, nil, fmt.Errorf("srtp salt length: %w", err)
	}
	if len(raw) != keyLen+saltLen {
		return nil, nil, fmt.Errorf("srtp key info: want %d bytes, got %d", keyLen+saltLen, len(raw))
	}
	return raw[:keyLen], raw[keyLen:], nil
}
