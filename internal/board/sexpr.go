package board

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Node is one element of a KiCad S-expression: an atom or a list.
type Node struct {
	Value  string // Atom text with quotes and escapes removed
	Quoted bool
	Items  []*Node
	list   bool
}

// Atom returns a bare atom node.
func Atom(v string) *Node { return &Node{Value: v} }

// String returns a quoted atom node.
func String(v string) *Node { return &Node{Value: v, Quoted: true} }

// List returns a list node whose first item is the bare atom head.
func List(head string, items ...*Node) *Node {
	return &Node{list: true, Items: append([]*Node{Atom(head)}, items...)}
}

// IsList reports whether n is a list.
func (n *Node) IsList() bool { return n.list }

// Head returns the leading atom of a list, or "" for atoms and empty lists.
func (n *Node) Head() string {
	if !n.list || len(n.Items) == 0 || n.Items[0].list {
		return ""
	}
	return n.Items[0].Value
}

// Child returns the first direct child list with the given head.
func (n *Node) Child(head string) *Node {
	for _, it := range n.Items {
		if it.Head() == head {
			return it
		}
	}
	return nil
}

// Children returns every direct child list with the given head.
func (n *Node) Children(head string) []*Node {
	var out []*Node
	for _, it := range n.Items {
		if it.Head() == head {
			out = append(out, it)
		}
	}
	return out
}

// Arg returns the i-th item after the head as an atom value.
func (n *Node) Arg(i int) (string, bool) {
	if !n.list || i+1 >= len(n.Items) || n.Items[i+1].list {
		return "", false
	}
	return n.Items[i+1].Value, true
}

// Remove drops the direct children for which drop returns true and reports
// how many were removed.
func (n *Node) Remove(drop func(*Node) bool) int {
	kept := n.Items[:0]
	removed := 0
	for _, it := range n.Items {
		if drop(it) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(n.Items); i++ {
		n.Items[i] = nil
	}
	n.Items = kept
	return removed
}

// Append adds children to a list.
func (n *Node) Append(items ...*Node) {
	n.Items = append(n.Items, items...)
}

var errUnbalanced = errors.New("unbalanced parentheses")

// Parse reads exactly one S-expression from r.
func Parse(r io.Reader) (*Node, error) {
	p := &parser{r: bufio.NewReader(r)}
	n, err := p.node()
	if err != nil {
		return nil, err
	}
	if tok, err := p.skipSpace(); err == nil {
		return nil, fmt.Errorf("unexpected %q after top-level expression", tok)
	} else if !errors.Is(err, io.EOF) {
		return nil, err
	}
	return n, nil
}

type parser struct {
	r *bufio.Reader
}

func (p *parser) skipSpace() (rune, error) {
	for {
		c, _, err := p.r.ReadRune()
		if err != nil {
			return 0, err
		}
		if !isSpace(c) {
			return c, nil
		}
	}
}

func (p *parser) node() (*Node, error) {
	c, err := p.skipSpace()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	switch c {
	case '(':
		n := &Node{list: true}
		for {
			c, err := p.skipSpace()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil, errUnbalanced
				}
				return nil, err
			}
			if c == ')' {
				return n, nil
			}
			if err := p.r.UnreadRune(); err != nil {
				return nil, err
			}
			child, err := p.node()
			if err != nil {
				return nil, err
			}
			n.Items = append(n.Items, child)
		}
	case ')':
		return nil, errUnbalanced
	case '"':
		return p.quoted()
	default:
		var sb strings.Builder
		sb.WriteRune(c)
		for {
			c, _, err := p.r.ReadRune()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, err
			}
			if isSpace(c) || c == '(' || c == ')' {
				if err := p.r.UnreadRune(); err != nil {
					return nil, err
				}
				break
			}
			sb.WriteRune(c)
		}
		return Atom(sb.String()), nil
	}
}

func (p *parser) quoted() (*Node, error) {
	var sb strings.Builder
	for {
		c, _, err := p.r.ReadRune()
		if err != nil {
			return nil, fmt.Errorf("unterminated string: %w", io.ErrUnexpectedEOF)
		}
		switch c {
		case '"':
			return String(sb.String()), nil
		case '\\':
			e, _, err := p.r.ReadRune()
			if err != nil {
				return nil, fmt.Errorf("unterminated string: %w", io.ErrUnexpectedEOF)
			}
			switch e {
			case 'n':
				sb.WriteRune('\n')
			case 't':
				sb.WriteRune('\t')
			default:
				sb.WriteRune(e)
			}
		default:
			sb.WriteRune(c)
		}
	}
}

func isSpace(c rune) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// Format writes n in KiCad's layout: nested lists that themselves contain
// lists start on a new indented line.
func Format(w io.Writer, n *Node) error {
	var buf bytes.Buffer
	format(&buf, n, 0)
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

func format(buf *bytes.Buffer, n *Node, depth int) {
	if !n.list {
		writeAtom(buf, n)
		return
	}
	buf.WriteByte('(')
	for i, it := range n.Items {
		if i > 0 {
			if it.list && hasList(it) {
				buf.WriteByte('\n')
				buf.WriteString(strings.Repeat("  ", depth+1))
			} else {
				buf.WriteByte(' ')
			}
		}
		format(buf, it, depth+1)
	}
	buf.WriteByte(')')
}

func hasList(n *Node) bool {
	for _, it := range n.Items {
		if it.list {
			return true
		}
	}
	return false
}

func writeAtom(buf *bytes.Buffer, n *Node) {
	if !n.Quoted {
		buf.WriteString(n.Value)
		return
	}
	buf.WriteByte('"')
	for _, c := range n.Value {
		switch c {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		default:
			buf.WriteRune(c)
		}
	}
	buf.WriteByte('"')
}
