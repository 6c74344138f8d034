// Package httpop implements an HTTP service operation: a single
// request/response exchange with content-type-aware request shaping
// and a result-format decoding pipeline (object/array/xml/flashvars/
// text/json/custom), returning an AsyncToken immediately.
//
// Grounded on httpkit.NewClient's functional-options construction and
// retry transport for the outbound request; the XML-to-object tree
// transform has no equivalent elsewhere in the corpus and is built
// directly on encoding/xml (documented in the grounding ledger as a
// standard-library choice — no example repo carries a richer XML
// object mapper).
package httpop

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/flexrpc/flexrpc-go/internal/agent"
	"github.com/flexrpc/flexrpc-go/internal/httpkit"
	"github.com/flexrpc/flexrpc-go/internal/message"
	"github.com/flexrpc/flexrpc-go/internal/token"
)

// errURLRequired is surfaced as a Client.URLRequired fault when Send
// is called on an Operation with no URL configured.
var errURLRequired = errors.New("httpop: no url configured")

// ResultFormat selects how a response body is decoded.
type ResultFormat string

const (
	FormatObject   ResultFormat = "object"
	FormatArray    ResultFormat = "array"
	FormatXML      ResultFormat = "xml"
	FormatHaxeXML  ResultFormat = "haxe-xml"
	FormatE4X      ResultFormat = "e4x"
	FormatFlashVar ResultFormat = "flashvars"
	FormatText     ResultFormat = "text"
	FormatJSON     ResultFormat = "json"
	FormatCustom   ResultFormat = "custom"
)

// SerializationFilter, when registered for a ResultFormat, takes full
// control of request construction: it supplies the content type, the
// final URL, and the serialized body, winning over every other
// request-shaping rule.
type SerializationFilter func(params any) (contentType, finalURL string, body []byte, err error)

// CustomDecoder decodes a raw response body for FormatCustom.
type CustomDecoder func(body []byte) (any, error)

// Operation is a single HTTP service call. Policy applies the owning
// agent's concurrency rules to overlapping Sends on the same
// Operation.
type Operation struct {
	URL         string
	Method      string
	ContentType string
	Format      ResultFormat
	Params      any
	Policy      agent.ConcurrencyPolicy

	Filter  SerializationFilter
	Decoder CustomDecoder

	httpClient *http.Client

	mu     sync.Mutex
	active map[*token.AsyncToken]struct{}
	last   *token.AsyncToken
}

// New creates an Operation. A nil httpClient uses
// httpkit.NewClient(httpkit.WithCookieJar()).
func New(url, format string, params any, httpClient *http.Client) *Operation {
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithCookieJar())
	}
	return &Operation{
		URL:        url,
		Format:     ResultFormat(format),
		Params:     params,
		httpClient: httpClient,
		active:     make(map[*token.AsyncToken]struct{}),
	}
}

// Send builds and issues the request in a goroutine, returning an
// AsyncToken immediately rather than blocking for the response. The
// operation's concurrency policy is applied first: single faults the
// new token while a call is active, last cancels the previous call.
func (op *Operation) Send(ctx context.Context) *token.AsyncToken {
	msg := message.New(message.KindHTTPRequest)
	msg.URL = op.URL
	msg.Method = op.Method
	msg.ContentType = op.ContentType
	tok := token.New(msg)

	op.mu.Lock()
	if op.active == nil {
		op.active = make(map[*token.AsyncToken]struct{})
	}
	switch op.Policy {
	case agent.ConcurrencySingle:
		if len(op.active) > 0 {
			op.mu.Unlock()
			tok.SetFault(msg.Fault("ConcurrencyError", "a call is already in progress", ""))
			return tok
		}
	case agent.ConcurrencyLast:
		if op.last != nil {
			op.last.Cancel()
			delete(op.active, op.last)
		}
	}
	op.active[tok] = struct{}{}
	op.last = tok
	op.mu.Unlock()

	go func() {
		result, err := op.execute(ctx)
		op.mu.Lock()
		delete(op.active, tok)
		op.mu.Unlock()
		if err != nil {
			tok.SetFault(msg.Fault(faultCode(err), err.Error(), ""))
			return
		}
		ack := msg.Acknowledge()
		ack.Body = result
		tok.SetResult(ack)
	}()

	return tok
}

func faultCode(err error) string {
	switch {
	case errors.Is(err, errURLRequired):
		return "Client.URLRequired"
	case isDecodeError(err):
		return "Client.CouldNotDecode"
	case isEncodeError(err):
		return "Client.CouldNotEncode"
	}
	return "Server.Error"
}

type decodeError struct{ error }

type encodeError struct{ error }

func isDecodeError(err error) bool {
	var de *decodeError
	return errors.As(err, &de)
}

func isEncodeError(err error) bool {
	var ee *encodeError
	return errors.As(err, &ee)
}

func (op *Operation) execute(ctx context.Context) (any, error) {
	if op.URL == "" {
		return nil, errURLRequired
	}
	contentType, finalURL, body, method, err := op.buildRequest()
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, finalURL, bodyReader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := op.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("httpop: HTTP %d", resp.StatusCode)
	}

	return decodeResult(op.Format, respBody, op.Decoder)
}

// buildRequest applies the request-construction precedence: a
// registered filter wins outright; otherwise XML
// encoding, then form encoding, then GET/POST method defaulting with
// XML-on-GET promoted to POST.
func (op *Operation) buildRequest() (contentType, finalURL string, body []byte, method string, err error) {
	finalURL = op.URL
	method = op.Method

	if op.Filter != nil {
		contentType, finalURL, body, err = op.Filter(op.Params)
		if err != nil {
			return "", "", nil, "", err
		}
		if method == "" {
			method = defaultMethod(contentType, method)
		}
		return contentType, finalURL, body, method, nil
	}

	contentType = op.ContentType
	if isXMLContentType(contentType) {
		if existing, ok := op.Params.([]byte); ok {
			body = existing
		} else {
			body, err = encodeXML(op.Params)
			if err != nil {
				return "", "", nil, "", &encodeError{fmt.Errorf("encode xml: %w", err)}
			}
		}
		if contentType == "" {
			contentType = "application/xml"
		}
		return contentType, finalURL, body, defaultMethod(contentType, method), nil
	}

	if contentType == "" || isFormContentType(contentType) {
		form := flattenForm(op.Params)
		body = []byte(form)
		if contentType == "" {
			contentType = "application/x-www-form-urlencoded"
		}
		return contentType, finalURL, body, defaultMethod(contentType, method), nil
	}

	return contentType, finalURL, body, defaultMethod(contentType, method), nil
}

func defaultMethod(contentType, method string) string {
	if method != "" {
		if isXMLContentType(contentType) && method == http.MethodGet {
			return http.MethodPost
		}
		return method
	}
	if isXMLContentType(contentType) {
		return http.MethodPost
	}
	return http.MethodGet
}

func isXMLContentType(ct string) bool {
	return strings.Contains(ct, "xml")
}

func isFormContentType(ct string) bool {
	return ct == "" || strings.Contains(ct, "x-www-form-urlencoded")
}

// flattenForm flattens a parameter map to "name=value&..." form,
// coercing scalars to strings and repeating the key for array-valued
// fields.
func flattenForm(params any) string {
	m, ok := params.(map[string]any)
	if !ok {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vals := url.Values{}
	for _, k := range keys {
		switch v := m[k].(type) {
		case []any:
			for _, item := range v {
				vals.Add(k, fmt.Sprintf("%v", item))
			}
		default:
			vals.Add(k, fmt.Sprintf("%v", v))
		}
	}
	return vals.Encode()
}

// encodeXML encodes a parameter map as a flat <params><k>v</k>...</params>
// document, used when the caller supplies no custom XML encoder.
func encodeXML(params any) ([]byte, error) {
	m, ok := params.(map[string]any)
	if !ok {
		return xml.Marshal(params)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString("<params>")
	for _, k := range keys {
		fmt.Fprintf(&buf, "<%s>%s</%s>", k, xmlEscape(fmt.Sprintf("%v", m[k])), k)
	}
	buf.WriteString("</params>")
	return buf.Bytes(), nil
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func decodeResult(format ResultFormat, body []byte, custom CustomDecoder) (any, error) {
	switch format {
	case FormatText:
		return string(body), nil

	case FormatJSON:
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, &decodeError{fmt.Errorf("decode json: %w", err)}
		}
		return v, nil

	case FormatXML, FormatHaxeXML, FormatE4X:
		node, err := parseXML(body)
		if err != nil {
			return nil, &decodeError{fmt.Errorf("decode xml: %w", err)}
		}
		return node, nil

	case FormatObject:
		node, err := parseXML(body)
		if err != nil {
			return nil, &decodeError{fmt.Errorf("decode xml: %w", err)}
		}
		return xmlNodeToTree(node), nil

	case FormatArray:
		node, err := parseXML(body)
		if err != nil {
			return nil, &decodeError{fmt.Errorf("decode xml: %w", err)}
		}
		tree := xmlNodeToTree(node)
		if arr, ok := tree.([]any); ok {
			return arr, nil
		}
		return []any{tree}, nil

	case FormatFlashVar:
		return decodeFlashVars(string(body)), nil

	case FormatCustom:
		if custom == nil {
			return nil, &decodeError{fmt.Errorf("no custom decoder registered")}
		}
		return custom(body)

	default:
		return nil, &decodeError{fmt.Errorf("unknown result format %q", format)}
	}
}

// decodeFlashVars decodes a flashvars body: trim, split on
// '&', split each segment on the first '=', URL-decode both sides with
// '+' mapped to a space.
func decodeFlashVars(body string) map[string]string {
	out := make(map[string]string)
	body = strings.TrimSpace(body)
	if body == "" {
		return out
	}
	for _, segment := range strings.Split(body, "&") {
		if segment == "" {
			continue
		}
		key, value, _ := strings.Cut(segment, "=")
		out[flashVarDecode(key)] = flashVarDecode(value)
	}
	return out
}

func flashVarDecode(s string) string {
	s = strings.ReplaceAll(s, "+", " ")
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	return s
}

// looksLikeNumber matches a fully numeric scalar with no leading zero
// (other than "0" itself).
func looksLikeNumber(s string) bool {
	if s == "" {
		return false
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return false
	}
	if len(s) > 1 && s[0] == '0' && s[1] != '.' {
		return false
	}
	return true
}

func coerceScalar(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if looksLikeNumber(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}
