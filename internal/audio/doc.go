// Package audio provides the playback sink abstraction and its oto
// implementation. Audio is 16-bit little-endian mono PCM; volume is
// applied in software before samples reach the device.
package audio
