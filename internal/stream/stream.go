// Package stream decodes incremental NDJSON responses from a generation
// backend into discrete content fragments.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Format selects which wire shape a decoder expects. The shape is fixed at
// construction; there is no runtime sniffing of payload shape.
type Format int

const (
	// FormatChat expects event-wrapped payloads from /api/chat:
	// each line carries {"message":{"content":"..."}}.
	FormatChat Format = iota
	// FormatGenerate expects flat payloads from /api/generate:
	// each line carries {"response":"..."}.
	FormatGenerate
)

// String returns the format's configuration name.
func (f Format) String() string {
	switch f {
	case FormatChat:
		return "chat"
	case FormatGenerate:
		return "generate"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat parses a configuration value into a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "chat":
		return FormatChat, nil
	case "generate":
		return FormatGenerate, nil
	default:
		return 0, fmt.Errorf("unknown stream format %q (want \"chat\" or \"generate\")", s)
	}
}

const fence = "```"

// maxEventSize bounds a single transport event line.
const maxEventSize = 1024 * 1024

type chatEvent struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

type generateEvent struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Decoder reconstructs content fragments from one backend response stream.
// A decoder is single-use: create one per response.
//
// Content outside a code fence is emitted as it arrives. When a fence opens,
// content buffers until the fence closes; the buffered block is then
// normalized (fence markers and language tag stripped, bare snippets wrapped
// as a minimal named function) and emitted as a single fragment.
type Decoder struct {
	format Format
	emit   func(fragment string)

	inFence     bool
	skippingTag bool
	fenceBuf    strings.Builder
	carry       string
	out         strings.Builder
	parseErrors int
}

// NewDecoder creates a decoder for the given wire format. emit is called for
// each fragment in arrival order; it may be nil when only the final
// concatenation is needed.
func NewDecoder(format Format, emit func(fragment string)) *Decoder {
	return &Decoder{format: format, emit: emit}
}

// Decode consumes the response stream until it ends and returns the full
// concatenation of all emitted fragments. Individual undecodable events are
// counted and skipped; only a transport read failure is returned as an error.
func (d *Decoder) Decode(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		content, ok := d.decodeEvent([]byte(line))
		if !ok {
			d.parseErrors++
			continue
		}
		if content != "" {
			d.push(content)
		}
	}
	if err := scanner.Err(); err != nil {
		return d.out.String(), fmt.Errorf("reading response stream: %w", err)
	}

	d.finish()
	return d.out.String(), nil
}

// ParseErrors returns the number of malformed events skipped during decode.
func (d *Decoder) ParseErrors() int {
	return d.parseErrors
}

func (d *Decoder) decodeEvent(line []byte) (string, bool) {
	switch d.format {
	case FormatGenerate:
		var ev generateEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return "", false
		}
		return ev.Response, true
	default:
		var ev chatEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return "", false
		}
		return ev.Message.Content, true
	}
}

// push routes incoming content through the fence state machine. A fence
// delimiter may arrive split across events, so up to two trailing backticks
// are carried over to the next event.
func (d *Decoder) push(content string) {
	text := d.carry + content
	d.carry = ""

	for {
		idx := strings.Index(text, fence)
		if idx < 0 {
			hold := trailingBackticks(text)
			d.consume(text[:len(text)-hold])
			d.carry = text[len(text)-hold:]
			return
		}
		d.consume(text[:idx])
		d.toggleFence()
		text = text[idx+len(fence):]
	}
}

// consume handles fence-free content according to the current fence state.
func (d *Decoder) consume(s string) {
	if s == "" {
		return
	}
	if !d.inFence {
		d.emitFragment(s)
		return
	}
	if d.skippingTag {
		nl := strings.IndexByte(s, '\n')
		if nl < 0 {
			return // still inside the language tag
		}
		d.skippingTag = false
		s = s[nl+1:]
		if s == "" {
			return
		}
	}
	d.fenceBuf.WriteString(s)
}

func (d *Decoder) toggleFence() {
	if !d.inFence {
		d.inFence = true
		d.skippingTag = true
		d.fenceBuf.Reset()
		return
	}
	d.inFence = false
	d.emitFragment(NormalizeBlock(d.fenceBuf.String()))
	d.fenceBuf.Reset()
}

// finish flushes held-back backticks and any unterminated fence block.
func (d *Decoder) finish() {
	if d.carry != "" {
		s := d.carry
		d.carry = ""
		d.consume(s)
	}
	if d.inFence {
		d.inFence = false
		d.emitFragment(NormalizeBlock(d.fenceBuf.String()))
		d.fenceBuf.Reset()
	}
}

func (d *Decoder) emitFragment(s string) {
	if s == "" {
		return
	}
	d.out.WriteString(s)
	if d.emit != nil {
		d.emit(s)
	}
}

// NormalizeBlock normalizes the body of a fenced code block. The block
// arrives with fence markers and language tag already stripped. Blocks that
// already look like code (contain "function" or "=>") pass through trimmed;
// bare snippets are wrapped as a minimal named function. The wrapping shape
// is load-bearing for downstream consumers and must not change.
func NormalizeBlock(block string) string {
	code := strings.TrimSpace(block)
	if strings.Contains(code, "function") || strings.Contains(code, "=>") {
		return code
	}
	return fmt.Sprintf("function example() { %s }", code)
}

// trailingBackticks returns how many trailing backticks of s (at most two)
// could be the start of a split fence delimiter.
func trailingBackticks(s string) int {
	n := 0
	for i := len(s) - 1; i >= 0 && n < 2; i-- {
		if s[i] != '`' {
			break
		}
		n++
	}
	return n
}
