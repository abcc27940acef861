// Package mjpeg handles the JPEG quirks of MJPEG cameras. Many cameras omit
// the Huffman tables from every frame and rely on the decoder to assume the
// standard ones; browsers and most decoders do not.
package mjpeg

import (
	"bytes"
	"sync"

	mcjpeg "github.com/bluenviron/mediacommon/v2/pkg/codecs/jpeg"
)

// Standard Huffman tables (ITU T.81 Annex K.3).
var (
	lumaDCCodes   = []byte{0, 1, 5, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0}
	chromaDCCodes = []byte{0, 3, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0}
	dcSymbols     = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}

	lumaACCodes   = []byte{0, 2, 1, 3, 3, 2, 4, 3, 5, 5, 4, 4, 0, 0, 1, 0x7d}
	lumaACSymbols = []byte{
		0x01, 0x02, 0x03, 0x00, 0x04, 0x11, 0x05, 0x12,
		0x21, 0x31, 0x41, 0x06, 0x13, 0x51, 0x61, 0x07,
		0x22, 0x71, 0x14, 0x32, 0x81, 0x91, 0xa1, 0x08,
		0x23, 0x42, 0xb1, 0xc1, 0x15, 0x52, 0xd1, 0xf0,
		0x24, 0x33, 0x62, 0x72, 0x82, 0x09, 0x0a, 0x16,
		0x17, 0x18, 0x19, 0x1a, 0x25, 0x26, 0x27, 0x28,
		0x29, 0x2a, 0x34, 0x35, 0x36, 0x37, 0x38, 0x39,
		0x3a, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48, 0x49,
		0x4a, 0x53, 0x54, 0x55, 0x56, 0x57, 0x58, 0x59,
		0x5a, 0x63, 0x64, 0x65, 0x66, 0x67, 0x68, 0x69,
		0x6a, 0x73, 0x74, 0x75, 0x76, 0x77, 0x78, 0x79,
		0x7a, 0x83, 0x84, 0x85, 0x86, 0x87, 0x88, 0x89,
		0x8a, 0x92, 0x93, 0x94, 0x95, 0x96, 0x97, 0x98,
		0x99, 0x9a, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7,
		0xa8, 0xa9, 0xaa, 0xb2, 0xb3, 0xb4, 0xb5, 0xb6,
		0xb7, 0xb8, 0xb9, 0xba, 0xc2, 0xc3, 0xc4, 0xc5,
		0xc6, 0xc7, 0xc8, 0xc9, 0xca, 0xd2, 0xd3, 0xd4,
		0xd5, 0xd6, 0xd7, 0xd8, 0xd9, 0xda, 0xe1, 0xe2,
		0xe3, 0xe4, 0xe5, 0xe6, 0xe7, 0xe8, 0xe9, 0xea,
		0xf1, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6, 0xf7, 0xf8,
		0xf9, 0xfa,
	}

	chromaACCodes   = []byte{0, 2, 1, 2, 4, 4, 3, 4, 7, 5, 4, 4, 0, 1, 2, 0x77}
	chromaACSymbols = []byte{
		0x00, 0x01, 0x02, 0x03, 0x11, 0x04, 0x05, 0x21,
		0x31, 0x06, 0x12, 0x41, 0x51, 0x07, 0x61, 0x71,
		0x13, 0x22, 0x32, 0x81, 0x08, 0x14, 0x42, 0x91,
		0xa1, 0xb1, 0xc1, 0x09, 0x23, 0x33, 0x52, 0xf0,
		0x15, 0x62, 0x72, 0xd1, 0x0a, 0x16, 0x24, 0x34,
		0xe1, 0x25, 0xf1, 0x17, 0x18, 0x19, 0x1a, 0x26,
		0x27, 0x28, 0x29, 0x2a, 0x35, 0x36, 0x37, 0x38,
		0x39, 0x3a, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48,
		0x49, 0x4a, 0x53, 0x54, 0x55, 0x56, 0x57, 0x58,
		0x59, 0x5a, 0x63, 0x64, 0x65, 0x66, 0x67, 0x68,
		0x69, 0x6a, 0x73, 0x74, 0x75, 0x76, 0x77, 0x78,
		0x79, 0x7a, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87,
		0x88, 0x89, 0x8a, 0x92, 0x93, 0x94, 0x95, 0x96,
		0x97, 0x98, 0x99, 0x9a, 0xa2, 0xa3, 0xa4, 0xa5,
		0xa6, 0xa7, 0xa8, 0xa9, 0xaa, 0xb2, 0xb3, 0xb4,
		0xb5, 0xb6, 0xb7, 0xb8, 0xb9, 0xba, 0xc2, 0xc3,
		0xc4, 0xc5, 0xc6, 0xc7, 0xc8, 0xc9, 0xca, 0xd2,
		0xd3, 0xd4, 0xd5, 0xd6, 0xd7, 0xd8, 0xd9, 0xda,
		0xe2, 0xe3, 0xe4, 0xe5, 0xe6, 0xe7, 0xe8, 0xe9,
		0xea, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6, 0xf7, 0xf8,
		0xf9, 0xfa,
	}
)

var (
	dhtOnce sync.Once
	dht     []byte
)

// DefaultDHT is the DHT segment carrying the four standard tables. The
// returned slice is shared and must not be modified.
func DefaultDHT() []byte {
	dhtOnce.Do(func() {
		tables := []mcjpeg.DefineHuffmanTable{
			{Codes: lumaDCCodes, Symbols: dcSymbols, TableClass: 0, TableNumber: 0},
			{Codes: lumaACCodes, Symbols: lumaACSymbols, TableClass: 1, TableNumber: 0},
			{Codes: chromaDCCodes, Symbols: dcSymbols, TableClass: 0, TableNumber: 1},
			{Codes: chromaACCodes, Symbols: chromaACSymbols, TableClass: 1, TableNumber: 1},
		}
		var buf []byte
		for _, t := range tables {
			buf = t.Marshal(buf)
		}
		dht = buf
	})
	return dht
}

// Layout is what Scan learns about a JPEG header.
type Layout struct {
	// SOF is the byte offset of the start-of-frame marker, -1 if none.
	SOF int
	// HasDHT is true when a Huffman table precedes the scan.
	HasDHT bool
}

// Scan walks the marker segments of data until the start of scan. ok is
// false when data does not start with SOI or a segment is truncated.
func Scan(data []byte) (l Layout, ok bool) {
	l.SOF = -1
	if len(data) < 4 || data[0] != 0xff || data[1] != mcjpeg.MarkerStartOfImage {
		return l, false
	}

	pos := 2
	for pos+1 < len(data) {
		if data[pos] != 0xff {
			return l, false
		}
		marker := data[pos+1]
		switch {
		case marker == 0xff:
			// fill byte
			pos++
			continue
		case marker == mcjpeg.MarkerStartOfScan:
			return l, true
		case marker == mcjpeg.MarkerEndOfImage:
			return l, true
		case marker == 0x01 || (marker >= 0xd0 && marker <= 0xd7):
			pos += 2
			continue
		case marker == mcjpeg.MarkerDefineHuffmanTable:
			l.HasDHT = true
		case isSOF(marker):
			if l.SOF < 0 {
				l.SOF = pos
			}
		}

		if pos+3 >= len(data) {
			return l, false
		}
		length := int(data[pos+2])<<8 | int(data[pos+3])
		if length < 2 {
			return l, false
		}
		pos += 2 + length
	}
	return l, false
}

func isSOF(marker byte) bool {
	return marker >= mcjpeg.MarkerStartOfFrame1 && marker <= 0xcf &&
		marker != mcjpeg.MarkerDefineHuffmanTable && marker != 0xc8 && marker != 0xcc
}

// Repair returns data as a list of slices that together form a decodable
// JPEG. When data lacks Huffman tables the standard DHT is spliced in
// right before SOF and patched is true; no bytes of data are copied.
func Repair(data []byte) (parts [][]byte, patched bool) {
	l, ok := Scan(data)
	if !ok || l.HasDHT || l.SOF < 0 {
		return [][]byte{data}, false
	}
	return [][]byte{data[:l.SOF], DefaultDHT(), data[l.SOF:]}, true
}

// RepairBytes is Repair joined into one buffer. data is returned as is when
// nothing needs patching.
func RepairBytes(data []byte) []byte {
	parts, patched := Repair(data)
	if !patched {
		return data
	}
	return bytes.Join(parts, nil)
}

// Size is the total length of parts.
func Size(parts [][]byte) int {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	return n
}
