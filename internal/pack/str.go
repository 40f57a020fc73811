package pack

// Fixed-width, NUL-padded character fields. Values longer than the field are
// truncated; String stops at the first NUL.
type (
	Str16  [16]byte
	Str32  [32]byte
	Str256 [256]byte
)

func NewStr16(s string) Str16 {
	var v Str16
	copy(v[:], s)
	return v
}

func NewStr32(s string) Str32 {
	var v Str32
	copy(v[:], s)
	return v
}

func NewStr256(s string) Str256 {
	var v Str256
	copy(v[:], s)
	return v
}

func (s Str16) String() string  { return cstring(s[:]) }
func (s Str32) String() string  { return cstring(s[:]) }
func (s Str256) String() string { return cstring(s[:]) }

func (s Str16) IsZero() bool { return s[0] == 0 }
func (s Str32) IsZero() bool { return s[0] == 0 }

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
