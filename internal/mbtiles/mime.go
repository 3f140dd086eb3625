package mbtiles

import "bytes"

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")
)

// DetectMIME tags tile bytes by their leading magic, never by filename.
// Packages mix raster encodings; vector tiles arrive gzip-compressed.
func DetectMIME(data []byte) string {
	switch {
	case len(data) >= 8 && bytes.Equal(data[:8], pngMagic):
		return "image/png"
	case len(data) >= 3 && data[0] == 0xff && data[1] == 0xd8 && data[2] == 0xff:
		return "image/jpeg"
	case len(data) >= 12 && bytes.Equal(data[:4], riffMagic) && bytes.Equal(data[8:12], webpMagic):
		return "image/webp"
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		return "application/vnd.mapbox-vector-tile"
	default:
		return "application/octet-stream"
	}
}
