package odid

// Block start offsets within the fixed-layout UASdata blob.
const (
	basicID0Start   = 0
	basicID1Start   = 32
	locationStart   = 64
	authPagesStart  = 136
	authPageStride  = 40
	selfIDStart     = 776
	systemStart     = 808
	operatorIDStart = 864
	validFlagsStart = 892
)

// MinPayloadLen is the smallest UASdata blob that carries every block plus
// the trailing validity flags (bytes 892-913).
const MinPayloadLen = 914

// MaxAuthPages is the number of authentication page slots in the blob.
const MaxAuthPages = 16

// remoteIDEpoch is the offset between the Remote ID epoch
// (2019-01-01T00:00:00Z) and the Unix epoch, in seconds.
const remoteIDEpoch = 1546300800

// Authentication page data sizes. Page 0 carries 17 bytes after its header,
// intermediate pages carry 23, and the final page carries (length-17) mod 23.
const (
	authPage0DataLen = 17
	authPageDataLen  = 23
)
