// Package capability defines the closed set of service categories agents can
// advertise, plus an open extension tag for forward-compatible custom skills.
// The marketplace matcher reasons exhaustively over the closed variants and
// falls back to tag equality for custom capabilities.
package capability

import (
	"fmt"
	"strings"
)

// Class is the closed capability taxonomy.
type Class int

const (
	Unknown Class = iota
	Extract
	Summarize
	Translate
	Classify
	Generate
	Search
	Compute
	// Custom carries an extension tag; see Capability.Tag.
	Custom
)

var classNames = map[Class]string{
	Extract:   "extract",
	Summarize: "summarize",
	Translate: "translate",
	Classify:  "classify",
	Generate:  "generate",
	Search:    "search",
	Compute:   "compute",
	Custom:    "custom",
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return "unknown"
}

// Capability is one declared agent skill. Tag is set only for Custom.
type Capability struct {
	Class Class
	Tag   string
}

// New returns a closed-variant capability.
func New(class Class) Capability {
	return Capability{Class: class}
}

// NewCustom returns a custom capability identified by tag.
func NewCustom(tag string) Capability {
	return Capability{Class: Custom, Tag: tag}
}

// Parse converts the wire form back into a Capability. Closed variants are
// their lowercase name; custom capabilities are "custom:<tag>".
func Parse(s string) (Capability, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if tag, ok := strings.CutPrefix(s, "custom:"); ok {
		if tag == "" {
			return Capability{}, fmt.Errorf("capability: empty custom tag")
		}
		return NewCustom(tag), nil
	}
	for class, name := range classNames {
		if class != Custom && name == s {
			return New(class), nil
		}
	}
	return Capability{}, fmt.Errorf("capability: unknown capability %q", s)
}

func (c Capability) String() string {
	if c.Class == Custom {
		return "custom:" + c.Tag
	}
	return c.Class.String()
}

// Matches reports whether a listing declared as c can serve a request for
// other. Closed variants match by variant; custom matches by tag.
func (c Capability) Matches(other Capability) bool {
	if c.Class != other.Class {
		return false
	}
	if c.Class == Custom {
		return c.Tag == other.Tag
	}
	return true
}

// Valid reports whether the capability is a known variant.
func (c Capability) Valid() bool {
	if c.Class == Custom {
		return c.Tag != ""
	}
	_, ok := classNames[c.Class]
	return ok
}

// MarshalText implements encoding.TextMarshaler so capabilities serialize as
// their wire form in YAML and JSON.
func (c Capability) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("capability: cannot marshal invalid capability")
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Capability) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
