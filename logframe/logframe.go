//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package logframe decodes the container engine's multiplexed output
// stream into separate stdout and stderr text.
//
// Each frame is an 8 byte header followed by a payload:
//
//	byte 0     stream id (1 stdout, 2 stderr)
//	bytes 1-3  reserved
//	bytes 4-7  big-endian payload length
//
// Decoding is lenient. It stops at the first short header, unknown stream
// id or truncated payload and keeps everything decoded before that point.
package logframe

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-sandbox-go/log"
)

// Stream identifies the origin of a frame.
type Stream byte

// Stream ids used on the wire.
const (
	Stdout Stream = 1
	Stderr Stream = 2
)

// String returns the stream name.
func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return fmt.Sprintf("stream(%d)", byte(s))
	}
}

const headerLen = 8

// Frame is one decoded frame.
type Frame struct {
	Stream  Stream
	Payload []byte
	// Text is Payload with control characters other than tab, LF and CR removed.
	Text string
	// Timestamp is synthetic; the protocol carries none. Timestamps are
	// strictly increasing within one Parse call.
	Timestamp time.Time
}

// Output is the demultiplexed result.
type Output struct {
	Stdout     []Frame
	Stderr     []Frame
	StdoutText string
	StderrText string
}

// HasOutput reports whether either stream produced any text.
func (o Output) HasOutput() bool {
	return o.StdoutText != "" || o.StderrText != ""
}

// Parse decodes frames from buf in order.
func Parse(buf []byte) []Frame {
	var (
		frames []Frame
		base   = time.Now()
		off    int
	)
	for len(buf)-off >= headerLen {
		stream := Stream(buf[off])
		if stream != Stdout && stream != Stderr {
			log.Tracef("logframe: unknown stream id %d at offset %d", byte(stream), off)
			break
		}
		size := int(binary.BigEndian.Uint32(buf[off+4 : off+headerLen]))
		start := off + headerLen
		if size > len(buf)-start {
			log.Tracef("logframe: truncated frame at offset %d (want %d, have %d)", off, size, len(buf)-start)
			break
		}
		payload := buf[start : start+size]
		frames = append(frames, Frame{
			Stream:    stream,
			Payload:   payload,
			Text:      Clean(payload),
			Timestamp: base.Add(time.Duration(len(frames)) * time.Microsecond),
		})
		off = start + size
	}
	return frames
}

// Demultiplex splits buf into per-stream frames and concatenated text.
func Demultiplex(buf []byte) Output {
	var (
		out    Output
		stdout strings.Builder
		stderr strings.Builder
	)
	for _, f := range Parse(buf) {
		switch f.Stream {
		case Stdout:
			out.Stdout = append(out.Stdout, f)
			stdout.WriteString(f.Text)
		case Stderr:
			out.Stderr = append(out.Stderr, f)
			stderr.WriteString(f.Text)
		}
	}
	out.StdoutText = stdout.String()
	out.StderrText = stderr.String()
	return out
}

// ReadAll buffers r, reading at most limit bytes when limit > 0, and
// demultiplexes the result.
func ReadAll(r io.Reader, limit int64) (Output, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit)
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return Output{}, fmt.Errorf("read multiplexed stream: %w", err)
	}
	return Demultiplex(buf), nil
}

// Clean drops control bytes other than tab, LF and CR.
func Clean(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if (c < 0x20 && c != '\t' && c != '\n' && c != '\r') || c == 0x7f {
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
