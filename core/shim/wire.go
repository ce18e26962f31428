// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package shim

import (
	"bufio"
	"net/http"
	"net/textproto"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/baasic/core/httpclient"
)

// control message types
const (
	MessageConnect = "connect"
	MessageLoaded  = "loaded"
)

// RequestOptions are the request options sent to the proxy endpoint
type RequestOptions struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    string            `json:"data,omitempty"`
}

// RequestMessage is sent to the proxy endpoint
type RequestMessage struct {
	RequestID int64          `json:"requestId"`
	Options   RequestOptions `json:"options"`
}

// ResponseMessage is sent back by the proxy endpoint. ResponseHeaders is a
// raw header block, "Name: value" lines separated by CRLF.
type ResponseMessage struct {
	RequestID       int64  `json:"requestId"`
	Status          int    `json:"status"`
	StatusText      string `json:"statusText"`
	ResponseText    string `json:"responseText"`
	ResponseHeaders string `json:"responseHeaders"`
}

// ControlMessage is used for the connect / loaded handshake
type ControlMessage struct {
	Type string `json:"type"`
}

// Envelope is the union of all wire messages, used to tell them apart
type Envelope struct {
	Type      string `json:"type,omitempty"`
	RequestID *int64 `json:"requestId,omitempty"`
}

// ParseEnvelope returns the kind of a wire message
func ParseEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}

// OptionsFromRequest converts a request into wire options. Multiple values
// of one header are joined with ", ".
func OptionsFromRequest(req *httpclient.Request) RequestOptions {
	o := RequestOptions{Method: req.Method, Data: string(req.Body)}
	if o.Method == "" {
		o.Method = http.MethodGet
	}
	if req.URL != nil {
		o.URL = req.URL.String()
	}
	if len(req.Header) > 0 {
		o.Headers = make(map[string]string, len(req.Header))
		for key, values := range req.Header {
			o.Headers[key] = strings.Join(values, ", ")
		}
	}
	return o
}

// FormatHeaders formats a header as raw header block with sorted names
func FormatHeaders(header http.Header) string {
	keys := make([]string, 0, len(header))
	for key := range header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		for _, value := range header[key] {
			b.WriteString(key)
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}

// ParseHeaders parses a raw header block. Malformed lines end the block.
func ParseHeaders(block string) http.Header {
	block = strings.TrimRight(block, "\r\n")
	if block == "" {
		return http.Header{}
	}
	r := textproto.NewReader(bufio.NewReader(strings.NewReader(block + "\r\n\r\n")))
	header, _ := r.ReadMIMEHeader()
	return http.Header(header)
}
