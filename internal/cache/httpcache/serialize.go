package httpcache

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/http/httputil"
)

// entryMarker starts every stored entry, so foreign or truncated data is detected on read
const entryMarker = "---HTTP-RESPONSE---\n"

// Serialize turns resp into a store entry: the marker followed by the response
// in HTTP/1.1 wire format, body included. The body of resp stays readable.
func Serialize(resp *http.Response) ([]byte, error) {
	wire, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, fmt.Errorf("dumping response: %w", err)
	}
	entry := make([]byte, 0, len(entryMarker)+len(wire))
	entry = append(entry, entryMarker...)
	return append(entry, wire...), nil
}

// Deserialize reads back an entry written by Serialize
func Deserialize(entry []byte) (*http.Response, error) {
	wire, ok := bytes.CutPrefix(entry, []byte(entryMarker))
	if !ok {
		return nil, fmt.Errorf("not a cached response: missing %q marker", entryMarker)
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(wire)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	return resp, nil
}
