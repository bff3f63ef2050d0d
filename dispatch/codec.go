package dispatch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeForest serializes a forest of TreeNode for the wire: the
// "serialized(subtree)" object-graph payload in spec.md §4.6/§4.10.
func EncodeForest(forest []TreeNode) []byte {
	var buf bytes.Buffer
	writeForest(&buf, forest)
	return buf.Bytes()
}

// DecodeForest parses bytes previously produced by EncodeForest.
func DecodeForest(data []byte) ([]TreeNode, error) {
	r := bytes.NewReader(data)
	return readForest(r)
}

func writeForest(buf *bytes.Buffer, forest []TreeNode) {
	writeU32(buf, uint32(len(forest)))
	for _, t := range forest {
		writeNode(buf, t)
	}
}

func writeNode(buf *bytes.Buffer, t TreeNode) {
	if t.IsLeaf() {
		buf.WriteByte(1)
		writeString(buf, t.host)
		return
	}
	buf.WriteByte(0)
	writeForest(buf, t.children)
}

func readForest(r *bytes.Reader) ([]TreeNode, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]TreeNode, n)
	for i := range out {
		node, err := readNode(r)
		if err != nil {
			return nil, err
		}
		out[i] = node
	}
	return out, nil
}

func readNode(r *bytes.Reader) (TreeNode, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return TreeNode{}, err
	}
	if tag == 1 {
		host, err := readString(r)
		if err != nil {
			return TreeNode{}, err
		}
		return Leaf(host), nil
	}
	children, err := readForest(r)
	if err != nil {
		return TreeNode{}, err
	}
	return Branch(children), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("dispatch: short forest encoding: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("dispatch: short forest string: %w", err)
	}
	return string(b), nil
}
