package utils

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	_const "ollama_run/internal/const"
)

// ToUTF8 decodes raw server output to UTF-8 and reports the charset it was read as.
// Invalid sequences that survive decoding are replaced with U+FFFD.
func ToUTF8(data []byte) (string, string) {
	if len(data) == 0 {
		return "", _const.EncodingUTF8
	}

	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		return decodeUTF16(data[_const.UTF16BOMSize:], unicode.LittleEndian), _const.EncodingUTF16LE
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		return decodeUTF16(data[_const.UTF16BOMSize:], unicode.BigEndian), _const.EncodingUTF16BE
	case looksLikeUTF16LE(data):
		return decodeUTF16(data, unicode.LittleEndian), _const.EncodingUTF16LE
	case utf8.Valid(data):
		return string(data), _const.EncodingUTF8
	}

	result, err := chardet.NewTextDetector().DetectBest(data)
	if err == nil && result.Confidence >= _const.MinDetectConfidence {
		if enc := lookupEncoding(result.Charset); enc != nil {
			if out, err := enc.NewDecoder().Bytes(data); err == nil {
				return strings.ToValidUTF8(string(out), "\uFFFD"), result.Charset
			}
		}
	}
	return strings.ToValidUTF8(string(data), "\uFFFD"), _const.EncodingUnknown
}

// LineEnd returns the length of the longest prefix of data that ends in a
// newline, reading data the way ToUTF8 would. It is 0 when no line is complete.
func LineEnd(data []byte) int {
	switch {
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		return utf16LineEnd(data, 0x00, '\n')
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}), looksLikeUTF16LE(data):
		return utf16LineEnd(data, '\n', 0x00)
	}
	return bytes.LastIndexByte(data, '\n') + 1
}

// utf16LineEnd scans code units at even offsets so a newline is never split
func utf16LineEnd(data []byte, first, second byte) int {
	for i := len(data) - len(data)%_const.UTF16BytesPerChar - _const.UTF16BytesPerChar; i >= 0; i -= _const.UTF16BytesPerChar {
		if data[i] == first && data[i+1] == second {
			return i + _const.UTF16BytesPerChar
		}
	}
	return 0
}

// looksLikeUTF16LE catches BOM-less UTF-16LE, which is mostly ASCII with NUL high bytes
func looksLikeUTF16LE(data []byte) bool {
	if len(data) < _const.UTF16BytesPerChar {
		return false
	}
	return bytes.Count(data, []byte{0}) > len(data)/_const.UTF16MinNullRatio
}

func decodeUTF16(data []byte, order unicode.Endianness) string {
	if len(data)%_const.UTF16BytesPerChar != 0 {
		data = append(data[:len(data):len(data)], 0)
	}
	decoder := unicode.UTF16(order, unicode.IgnoreBOM).NewDecoder()
	out, _, err := transform.Bytes(decoder, data)
	if err != nil {
		return CleanLine(string(data))
	}
	return string(out)
}

// lookupEncoding maps a chardet charset name to a decoder
func lookupEncoding(charset string) encoding.Encoding {
	switch strings.ToUpper(charset) {
	case "GB-18030", "GB18030", "GBK", "GB2312":
		return simplifiedchinese.GB18030
	}
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil {
		return nil
	}
	return enc
}

// CleanLine drops NUL and control characters except tabs and trims surrounding space
func CleanLine(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 0x7f || r == '\t' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Truncate shortens s to at most max runes, marking the cut with TruncateSuffix
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + _const.TruncateSuffix
}
