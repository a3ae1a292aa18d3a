package dictfile

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
)

// node is a generic XML element. Documents are kept as trees so that saving
// a configuration preserves every element this package does not interpret.
type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Text    string     `xml:",chardata"`
	Nodes   []*node    `xml:",any"`
}

func decodeTree(r io.Reader) (*node, error) {
	var root node
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, err
	}
	root.trim()
	return &root, nil
}

func (n *node) trim() {
	if strings.TrimSpace(n.Text) == "" {
		n.Text = ""
	}
	for _, c := range n.Nodes {
		c.trim()
	}
}

func (n *node) encode(w io.Writer) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(n); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func (n *node) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func (n *node) setAttr(name, value string) {
	for i, a := range n.Attrs {
		if a.Name.Local == name {
			n.Attrs[i].Value = value
			return
		}
	}
	n.Attrs = append(n.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
}

func (n *node) child(name string) *node {
	for _, c := range n.Nodes {
		if c.XMLName.Local == name {
			return c
		}
	}
	return nil
}

func (n *node) children(name string) []*node {
	var out []*node
	for _, c := range n.Nodes {
		if c.XMLName.Local == name {
			out = append(out, c)
		}
	}
	return out
}

// path follows a chain of first-matching children.
func (n *node) path(names ...string) *node {
	cur := n
	for _, name := range names {
		if cur = cur.child(name); cur == nil {
			return nil
		}
	}
	return cur
}

// strip removes every descendant element named name.
func (n *node) strip(name string) {
	kept := n.Nodes[:0]
	for _, c := range n.Nodes {
		if c.XMLName.Local == name {
			continue
		}
		c.strip(name)
		kept = append(kept, c)
	}
	n.Nodes = kept
}

// filter keeps the children named name for which keep returns true.
func (n *node) filter(name string, keep func(*node) bool) {
	kept := n.Nodes[:0]
	for _, c := range n.Nodes {
		if c.XMLName.Local == name && !keep(c) {
			continue
		}
		kept = append(kept, c)
	}
	n.Nodes = kept
}

func parseTree(b []byte) (*node, error) { return decodeTree(bytes.NewReader(b)) }
