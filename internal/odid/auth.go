package odid

import (
	"encoding/binary"
	"encoding/hex"
)

// authAssembly carries the cross-page state needed to truncate the final
// authentication page. Page 0 establishes LastPageIndex and Length; the
// assembly is scoped to a single ParsePayload call and never shared across
// blobs.
type authAssembly struct {
	havePage0     bool
	lastPageIndex int
	length        int
}

func newAuthAssembly() *authAssembly {
	return &authAssembly{}
}

// decodeAuthPage decodes authentication page p into the record. A page with
// index > 0 seen before page 0 has an undefined data length, so only its
// header fields are taken and its data is skipped.
func (r *Record) decodeAuthPage(payload []byte, page int, asm *authAssembly) {
	start := authPagesStart + authPageStride*page

	if r.Auth.Pages == nil {
		r.Auth.Pages = make(map[int]string)
	}
	r.Auth.DataPage = int(payload[start])
	r.Auth.Type = int(payload[start+4])

	if page == 0 {
		asm.havePage0 = true
		asm.lastPageIndex = int(payload[start+8])
		asm.length = int(payload[start+9])

		r.Auth.LastPageIndex = asm.lastPageIndex
		r.Auth.Length = asm.length
		r.Auth.Timestamp = remoteIDTime(binary.LittleEndian.Uint32(payload[start+12:]))
		r.Auth.Pages[0] = hex.EncodeToString(payload[start+16 : start+16+authPage0DataLen])
		return
	}

	if !asm.havePage0 {
		return
	}

	n := authPageDataLen
	if page == asm.lastPageIndex {
		n = finalPageDataLen(asm.length)
	}
	r.Auth.Pages[page] = hex.EncodeToString(payload[start+16 : start+16+n])
}

// finalPageDataLen is the number of authentication data bytes on the final
// page: (length - 17) mod 23, with a non-negative result.
func finalPageDataLen(length int) int {
	n := (length - authPage0DataLen) % authPageDataLen
	if n < 0 {
		n += authPageDataLen
	}
	return n
}
