package pac

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ScriptType says whether a ScriptData carries script text or only its URL.
type ScriptType int

const (
	ScriptText ScriptType = iota
	ScriptURL
)

// ScriptData is an immutable handle to decided PAC content. It is shared by
// the init pipeline and the poller and compared by content.
type ScriptData struct {
	typ    ScriptType
	url    string
	text   string
	digest [blake2b.Size256]byte
}

// FromText wraps downloaded script bytes.
func FromText(text string) *ScriptData {
	return &ScriptData{
		typ:    ScriptText,
		text:   text,
		digest: blake2b.Sum256([]byte(text)),
	}
}

// FromURL is used for resolvers that fetch the script themselves.
func FromURL(u string) *ScriptData {
	return &ScriptData{
		typ:    ScriptURL,
		url:    u,
		digest: blake2b.Sum256([]byte("url:" + u)),
	}
}

func (s *ScriptData) Type() ScriptType { return s.typ }
func (s *ScriptData) URL() string      { return s.url }
func (s *ScriptData) Text() string     { return s.text }

// Fingerprint is a short hex digest of the content, handy in logs.
func (s *ScriptData) Fingerprint() string {
	if s == nil {
		return ""
	}
	return hex.EncodeToString(s.digest[:8])
}

// Empty reports whether there is no usable content.
func (s *ScriptData) Empty() bool {
	if s == nil {
		return true
	}
	if s.typ == ScriptURL {
		return s.url == ""
	}
	return strings.TrimSpace(s.text) == ""
}

// Equal compares by content. Two nil handles are equal.
func (s *ScriptData) Equal(o *ScriptData) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.typ != o.typ || s.digest != o.digest {
		return false
	}
	if s.typ == ScriptURL {
		return s.url == o.url
	}
	return s.text == o.text
}
