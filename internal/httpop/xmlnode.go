package httpop

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
)

// xmlNode is a minimal parsed XML tree: a tag name, attributes
// (xmlns skipped), ordered child elements, and any direct text
// content.
type xmlNode struct {
	Name     string
	Attrs    map[string]string
	Children []*xmlNode
	Text     string
}

// parseXML parses body into a single root xmlNode.
func parseXML(body []byte) (*xmlNode, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))

	var stack []*xmlNode
	var root *xmlNode

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			node := &xmlNode{Name: t.Name.Local, Attrs: make(map[string]string)}
			for _, a := range t.Attr {
				if a.Name.Local == "xmlns" || strings.HasPrefix(a.Name.Space, "xmlns") {
					continue
				}
				node.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			} else {
				root = node
			}
			stack = append(stack, node)

		case xml.EndElement:
			stack = stack[:len(stack)-1]

		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}

	return root, nil
}

// xmlNodeToTree implements the "object" result-format transform:
// a single text child with no element children becomes a scalar;
// repeated child element names promote to an array; attributes become
// fields; a node with both a scalar text value and attributes becomes
// a wrapper record with a "value" field.
func xmlNodeToTree(n *xmlNode) any {
	if n == nil {
		return nil
	}

	if len(n.Children) == 0 {
		text := strings.TrimSpace(n.Text)
		if len(n.Attrs) == 0 {
			return coerceScalar(text)
		}
		record := attrsToRecord(n.Attrs)
		if text != "" {
			record["value"] = coerceScalar(text)
		}
		return record
	}

	record := attrsToRecord(n.Attrs)
	counts := make(map[string]int)
	for _, c := range n.Children {
		counts[c.Name]++
	}

	for _, c := range n.Children {
		value := xmlNodeToTree(c)
		if counts[c.Name] > 1 {
			existing, _ := record[c.Name].([]any)
			record[c.Name] = append(existing, value)
		} else {
			record[c.Name] = value
		}
	}
	return record
}

func attrsToRecord(attrs map[string]string) map[string]any {
	record := make(map[string]any, len(attrs))
	for k, v := range attrs {
		record[k] = coerceScalar(v)
	}
	return record
}
