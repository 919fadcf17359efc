package _const

// Server log decoding
const (
	EncodingUTF8    = "UTF-8"
	EncodingUTF16LE = "UTF-16LE"
	EncodingUTF16BE = "UTF-16BE"
	EncodingUnknown = "Unknown"

	UTF16BOMSize      = 2
	UTF16MinNullRatio = 3 // at least 1/3 NUL bytes looks like UTF-16 without a BOM
	UTF16BytesPerChar = 2

	MinDetectConfidence = 30 // chardet confidence below this is ignored
	MaxLogLineLength    = 512
	MaxLogChunkBytes    = 4 << 20 // read per check; the rest waits for the next one
	MaxPendingLogBytes  = 1 << 20 // an unterminated line this long is relayed anyway
	TruncateSuffix      = "..."
)
