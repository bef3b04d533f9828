package websocket

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// frameSplitter matches the ~m~<length>~m~ header that prefixes every
// payload on the wire. Splitting raw data on it yields the bare payloads.
var frameSplitter = regexp.MustCompile(`~m~\d+~m~`)

// message is the client-to-server envelope. Field order matters to the
// server-side length check only insofar as the frame header must match the
// encoded byte count, which EncodeFrame guarantees.
type message struct {
	M string `json:"m"`
	P []any  `json:"p"`
}

// EncodeFrame builds one wire frame: ~m~<len>~m~{"m":method,"p":params}.
// The JSON is compact; the declared length is the payload byte count.
func EncodeFrame(method string, params []any) (string, error) {
	payload, err := json.Marshal(message{M: method, P: params})
	if err != nil {
		return "", fmt.Errorf("failed to encode %s frame: %w", method, err)
	}
	return prependHeader(string(payload)), nil
}

func prependHeader(payload string) string {
	return fmt.Sprintf("~m~%d~m~%s", len(payload), payload)
}

// SplitFrames splits raw websocket data into parsed packets. Empty
// fragments, ~h~ heartbeats and payloads that fail to parse as JSON are
// dropped silently; the stream recovers at the next frame boundary.
func SplitFrames(raw string) []Packet {
	var packets []Packet
	for _, part := range frameSplitter.Split(raw, -1) {
		if part == "" || strings.HasPrefix(part, "~h~") {
			continue
		}
		var pkt Packet
		if err := json.Unmarshal([]byte(part), &pkt); err != nil {
			continue
		}
		packets = append(packets, pkt)
	}
	return packets
}
