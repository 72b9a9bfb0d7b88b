package wire

import (
	"fmt"
	"sync"

	"github.com/devbus/devbus-go/pkg/model"
)

// BLOBMode controls whether a client receives BLOB payloads.
type BLOBMode uint8

const (
	// BLOBNever suppresses setBLOBVector entirely.
	BLOBNever BLOBMode = iota

	// BLOBAlso sends payloads inline, base64 encoded.
	BLOBAlso

	// BLOBURL sends a url attribute instead of the payload.
	BLOBURL
)

// String returns the enableBLOB text.
func (m BLOBMode) String() string {
	switch m {
	case BLOBNever:
		return "Never"
	case BLOBAlso:
		return "Also"
	case BLOBURL:
		return "URL"
	default:
		return "Unknown"
	}
}

// ParseBLOBMode parses Never|Also|URL. "Only" is accepted as Also.
func ParseBLOBMode(s string) (BLOBMode, error) {
	switch s {
	case "Never":
		return BLOBNever, nil
	case "Also", "Only":
		return BLOBAlso, nil
	case "URL":
		return BLOBURL, nil
	}
	return 0, fmt.Errorf("%w: blob mode %q", model.ErrInvalidValue, s)
}

type blobRule struct {
	device string
	name   string
	mode   BLOBMode
}

// blobModes holds a client's enableBLOB rules. The most recent rule matching
// a property wins; without a matching rule the mode is Never.
type blobModes struct {
	mu    sync.Mutex
	rules []blobRule
}

func (b *blobModes) set(device, name string, mode BLOBMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.rules {
		if r.device == device && r.name == name {
			b.rules = append(b.rules[:i], b.rules[i+1:]...)
			break
		}
	}
	b.rules = append([]blobRule{{device: device, name: name, mode: mode}}, b.rules...)
}

func (b *blobModes) mode(device, name string) BLOBMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.rules {
		if (r.device == "" || r.device == device) && (r.name == "" || r.name == name) {
			return r.mode
		}
	}
	return BLOBNever
}
