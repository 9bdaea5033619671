package buffer

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

const (
	sidRevision          = 1
	sidMaxSubAuthorities = 15
	sidHeaderSize        = 8
	nullTokenSize        = 4
)

// SID is a decoded security identifier.
type SID struct {
	Revision       uint8
	Authority      uint64 // 48-bit identifier authority
	SubAuthorities []uint32
}

// Size returns the encoded size of the SID in bytes, without the token.
func (s *SID) Size() int {
	if s == nil {
		return 0
	}
	return sidHeaderSize + 4*len(s.SubAuthorities)
}

// String formats the SID in the usual S-R-I-S-S... form. A nil SID, as read
// from a null token, formats as the empty string.
func (s *SID) String() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("S-")
	b.WriteString(strconv.FormatUint(uint64(s.Revision), 10))
	b.WriteByte('-')
	if s.Authority >= 1<<32 {
		fmt.Fprintf(&b, "0x%012X", s.Authority)
	} else {
		b.WriteString(strconv.FormatUint(s.Authority, 10))
	}
	for _, sub := range s.SubAuthorities {
		b.WriteByte('-')
		b.WriteString(strconv.FormatUint(uint64(sub), 10))
	}
	return b.String()
}

// ReadSID reads a security identifier as laid out in kernel events: a
// TOKEN_USER structure (two pointers) followed by the SID itself.
//
//	| 0        | 2*ptr | TOKEN_USER (ignored)                |
//	| 2*ptr    | 1     | Revision, must be 1                 |
//	| 2*ptr+1  | 1     | SubAuthorityCount, at most 15       |
//	| 2*ptr+2  | 6     | IdentifierAuthority, big-endian     |
//	| 2*ptr+8  | 4*N   | SubAuthority[N], little-endian      |
//
// Processes without a user token carry a null token instead: a single
// zero uint32 and no SID. It reads as a nil SID and consumes 4 bytes.
//
// The cursor only moves when the whole structure was read.
func (r *Reader) ReadSID(pointerSize int) (*SID, error) {
	if pointerSize != 4 && pointerSize != 8 {
		return nil, fmt.Errorf("%w: unsupported pointer size %d", ErrBufferData, pointerSize)
	}
	if !r.Contains(r.pos, nullTokenSize) {
		return nil, r.overflow(nullTokenSize)
	}
	if binary.LittleEndian.Uint32(r.buf[r.pos:]) == 0 {
		r.pos += nullTokenSize
		return nil, nil
	}
	prefix := 2 * pointerSize
	start := r.pos + prefix
	if !r.Contains(r.pos, prefix+sidHeaderSize) {
		return nil, r.overflow(prefix + sidHeaderSize)
	}

	revision := r.buf[start]
	count := int(r.buf[start+1])
	if revision != sidRevision || count > sidMaxSubAuthorities {
		return nil, fmt.Errorf("%w: malformed SID at offset %d (revision %d, %d sub-authorities)",
			ErrBufferData, start, revision, count)
	}

	total := prefix + sidHeaderSize + 4*count
	b, err := r.next(total)
	if err != nil {
		return nil, err
	}
	b = b[prefix:]

	var authority uint64
	for _, c := range b[2:8] {
		authority = authority<<8 | uint64(c)
	}
	sid := &SID{
		Revision:       revision,
		Authority:      authority,
		SubAuthorities: make([]uint32, count),
	}
	for i := range sid.SubAuthorities {
		sid.SubAuthorities[i] = binary.LittleEndian.Uint32(b[sidHeaderSize+4*i:])
	}
	return sid, nil
}
