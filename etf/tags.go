package etf

// External term format tag constants, frozen protocol values (§4.2).
const (
	tagNewFloat      = 70
	tagBitBinary     = 77
	tagCompressed    = 80
	tagSmallInt      = 97
	tagInt           = 98
	tagOldFloat      = 99
	tagAtom          = 100
	tagRef           = 101
	tagPort          = 102
	tagPid           = 103
	tagSmallTuple    = 104
	tagLargeTuple    = 105
	tagNil           = 106
	tagString        = 107
	tagList          = 108
	tagBinary        = 109
	tagSmallBig      = 110
	tagLargeBig      = 111
	tagNewFun        = 112
	tagExternalFun   = 113
	tagNewRef        = 114
	tagFun           = 117
	tagVersion       = 131
)

// maxCompressedDepth bounds recursive decompression of nested Compressed
// terms (Open Question §9: the source does not bound nesting).
const maxCompressedDepth = 4
