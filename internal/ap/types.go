// Package ap implements the ActivityPub federation core for driftboard:
// activity types, HTTP signatures, actor resolution, validation and the
// inbound dispatcher.
package ap

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
)

// DefaultContext is the standard JSON-LD @context for outbound objects.
var DefaultContext = []any{
	ActivityStreamsNS,
	SecurityNS,
	map[string]any{
		"Hashtag":   "as:Hashtag",
		"sensitive": "as:sensitive",
	},
}

// StringOrArray deserialises an AP field that may be either a JSON string
// or a JSON array of strings (both are valid per the AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	// Mixed arrays (strings and embedded objects) keep only the strings.
	var mixed []any
	if err := json.Unmarshal(data, &mixed); err == nil {
		for _, v := range mixed {
			if str, ok := v.(string); ok {
				*s = append(*s, str)
			}
		}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

// Contains reports whether the list has the given entry.
func (s StringOrArray) Contains(v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

// Actor represents an ActivityPub actor document.
type Actor struct {
	Context           any        `json:"@context,omitempty"`
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	Name              string     `json:"name,omitempty"`
	PreferredUsername string     `json:"preferredUsername"`
	Summary           string     `json:"summary,omitempty"`
	Inbox             string     `json:"inbox"`
	Outbox            string     `json:"outbox,omitempty"`
	Followers         string     `json:"followers,omitempty"`
	PublicKey         *PublicKey `json:"publicKey,omitempty"`
	Icon              *Image     `json:"icon,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
	URL               string     `json:"url,omitempty"`
}

// PublicKey is the RSA public key attached to an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Image is an ActivityPub Image object.
type Image struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Endpoints holds the shared inbox.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// OrderedCollection is an AP collection document.
type OrderedCollection struct {
	Context      any    `json:"@context"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   int    `json:"totalItems"`
	OrderedItems any    `json:"orderedItems"`
}

// WebFingerResponse and WebFingerLink implement RFC 7033 discovery.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// IncomingActivity is the parse target for inbound activities. object and
// target may be string references or embedded objects, so they stay raw
// until a handler narrows them.
type IncomingActivity struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object,omitempty"`
	Target    json.RawMessage `json:"target,omitempty"` // Move
	To        StringOrArray   `json:"to,omitempty"`
	CC        StringOrArray   `json:"cc,omitempty"`
	Audience  StringOrArray   `json:"audience,omitempty"`
	Content   string          `json:"content,omitempty"` // Flag reason
	Published string          `json:"published,omitempty"`
}

// IsPublic reports whether the activity is publicly addressed.
func (a *IncomingActivity) IsPublic() bool {
	return a.To.Contains(PublicURI) || a.CC.Contains(PublicURI)
}

// ObjectRef is the narrowed form of an activity object: a bare URI, an
// embedded object (with its raw form kept for nested narrowing), or nothing.
// Unknown shapes narrow to an empty ref, which handlers ignore without error.
type ObjectRef struct {
	ID       string
	Type     string
	Embedded map[string]any
	Raw      json.RawMessage
}

// IsZero reports an unusable object reference.
func (r ObjectRef) IsZero() bool {
	return r.ID == "" && r.Embedded == nil
}

// NarrowObject decodes an AP object field into an ObjectRef, enumerating the
// shapes the dispatcher handles: JSON string, embedded map, or an array
// whose first usable element wins.
func NarrowObject(raw json.RawMessage) ObjectRef {
	if len(raw) == 0 {
		return ObjectRef{}
	}

	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return ObjectRef{ID: id, Raw: raw}
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		ref := ObjectRef{Embedded: m, Raw: raw}
		ref.ID, _ = m["id"].(string)
		ref.Type, _ = m["type"].(string)
		return ref
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		for _, el := range arr {
			if ref := NarrowObject(el); !ref.IsZero() {
				return ref
			}
		}
	}
	return ObjectRef{}
}

// GetString returns a string field of the embedded object, or "".
func (r ObjectRef) GetString(key string) string {
	if r.Embedded == nil {
		return ""
	}
	s, _ := r.Embedded[key].(string)
	return s
}

// AttributedTo narrows the attributedTo field: a string URI, or an array
// whose first string URI is used.
func (r ObjectRef) AttributedTo() string {
	if r.Embedded == nil {
		return ""
	}
	switch v := r.Embedded["attributedTo"].(type) {
	case string:
		return v
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				return s
			}
			if m, ok := e.(map[string]any); ok {
				if id, ok := m["id"].(string); ok {
					return id
				}
			}
		}
	}
	return ""
}

// Recipients returns the string entries of a to/cc/audience style field of
// the embedded object.
func (r ObjectRef) Recipients(key string) []string {
	if r.Embedded == nil {
		return nil
	}
	switch v := r.Embedded[key].(type) {
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// WithContext wraps an object with the default AP @context.
func WithContext(v any) map[string]any {
	data, _ := json.Marshal(v)
	m := make(map[string]any)
	_ = json.Unmarshal(data, &m)
	m["@context"] = DefaultContext
	return m
}

// DomainOf extracts the lowercased host portion of a URL.
func DomainOf(rawURL string) string {
	rest := rawURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		rest = rest[:i]
	}
	return strings.ToLower(rest)
}

// IsLocalURI reports whether an AP id belongs to this instance.
func IsLocalURI(apID, baseURL string) bool {
	base := strings.TrimRight(baseURL, "/")
	return apID == base || strings.HasPrefix(apID, base+"/")
}
