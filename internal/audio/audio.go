// Package audio inspects inbound audio streams without consuming them and
// produces PCM WAV clips.
package audio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	sniffLen  = 512
	headerLen = 4096
	// wavHeaderSize is the canonical RIFF/fmt/data header length of a PCM WAV file.
	wavHeaderSize = 44
)

// Info describes what could be learned from the head of an audio stream.
type Info struct {
	MediaType  string
	SampleRate int
	Channels   int
	BitDepth   int
	// Empty is set when the stream ended before yielding a byte.
	Empty bool
}

// IsWAV reports whether a WAV header was decoded.
func (i Info) IsWAV() bool {
	return i.SampleRate > 0 && i.Channels > 0 && i.BitDepth > 0
}

// EstimateDuration derives the playback length of a PCM WAV payload of size bytes.
// It returns zero when the size is unknown or the stream is not WAV.
func (i Info) EstimateDuration(size int64) time.Duration {
	if !i.IsWAV() || size <= wavHeaderSize {
		return 0
	}
	bytesPerSecond := int64(i.SampleRate * i.Channels * i.BitDepth / 8)
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(size-wavHeaderSize) / float64(bytesPerSecond) * float64(time.Second))
}

// Sniff peeks at the head of r. The returned reader yields every byte of r,
// including the peeked ones. When declared is empty or generic the media type
// is detected from the content.
func Sniff(r io.Reader, declared string) (io.Reader, Info) {
	br := bufio.NewReaderSize(r, headerLen)
	head, _ := br.Peek(headerLen)

	info := Info{MediaType: normalize(declared), Empty: len(head) == 0}
	if info.MediaType == "" || info.MediaType == "application/octet-stream" {
		n := len(head)
		if n > sniffLen {
			n = sniffLen
		}
		if n > 0 {
			info.MediaType = normalize(http.DetectContentType(head[:n]))
		}
	}
	if info.MediaType == "audio/wav" || looksLikeWAV(head) {
		if err := readWAVHeader(head, &info); err == nil && info.MediaType != "audio/wav" {
			info.MediaType = "audio/wav"
		}
	}
	return br, info
}

// Acceptable reports whether the media type can be relayed for transcription.
func Acceptable(mediaType string) bool {
	mt := normalize(mediaType)
	return strings.HasPrefix(mt, "audio/") || strings.HasPrefix(mt, "video/") ||
		mt == "application/ogg" || mt == "application/octet-stream"
}

func normalize(mediaType string) string {
	if mediaType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mediaType))
	}
	switch mt {
	case "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return "audio/wav"
	}
	return mt
}

func looksLikeWAV(head []byte) bool {
	return len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE"))
}

func readWAVHeader(head []byte, info *Info) error {
	dec := wav.NewDecoder(bytes.NewReader(head))
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return err
	}
	if dec.NumChans == 0 || dec.SampleRate == 0 {
		return errors.New("wav header incomplete")
	}
	info.SampleRate = int(dec.SampleRate)
	info.Channels = int(dec.NumChans)
	info.BitDepth = int(dec.BitDepth)
	return nil
}

// WriteSilentWAV writes a mono 16-bit PCM WAV clip of the given length.
func WriteSilentWAV(w io.WriteSeeker, length time.Duration, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	samples := int(length.Seconds() * float64(sampleRate))
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, samples),
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
