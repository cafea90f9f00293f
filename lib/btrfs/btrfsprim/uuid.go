package btrfsprim

import (
	"encoding"
	"encoding/hex"
	"fmt"
	"strings"
)

// UUID is a 16-byte Btrfs UUID, as stored in the superblock and in
// DEV_ITEM/CHUNK_ITEM stripes.
type UUID [16]byte

var (
	_ fmt.Stringer             = UUID{}
	_ encoding.TextMarshaler   = UUID{}
	_ encoding.TextUnmarshaler = (*UUID)(nil)
)

func (u UUID) String() string {
	s := hex.EncodeToString(u[:])
	return strings.Join([]string{s[:8], s[8:12], s[12:16], s[16:20], s[20:32]}, "-")
}

func (u UUID) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

func (u *UUID) UnmarshalText(text []byte) error {
	var err error
	*u, err = ParseUUID(string(text))
	return err
}

func (a UUID) Compare(b UUID) int {
	for i := range a {
		if d := int(a[i]) - int(b[i]); d != 0 {
			return d
		}
	}
	return 0
}

// ParseUUID parses a hyphenated or bare hex UUID string.
func ParseUUID(str string) (UUID, error) {
	var ret UUID
	j := 0
	for i := 0; i < len(str); i++ {
		if j >= len(ret)*2 {
			return UUID{}, fmt.Errorf("btrfsprim: too long to be a UUID: %q", str)
		}
		c := str[i]
		var v byte
		switch {
		case '0' <= c && c <= '9':
			v = c - '0'
		case 'a' <= c && c <= 'f':
			v = c - 'a' + 10
		case 'A' <= c && c <= 'F':
			v = c - 'A' + 10
		case c == '-':
			continue
		default:
			return UUID{}, fmt.Errorf("btrfsprim: illegal byte in UUID: %q", str)
		}
		if j%2 == 0 {
			ret[j/2] = v << 4
		} else {
			ret[j/2] |= v & 0x0f
		}
		j++
	}
	return ret, nil
}
