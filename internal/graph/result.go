package graph

import (
	"bytes"
	"encoding/json"
)

// Object is a response object whose keys keep selection order.
type Object struct {
	keys   []string
	values []any
}

// Set appends key, or replaces its value when already present.
func (o *Object) Set(key string, v any) {
	for i, k := range o.keys {
		if k == key {
			o.values[i] = v
			return
		}
	}
	o.keys = append(o.keys, key)
	o.values = append(o.values, v)
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (any, bool) {
	for i, k := range o.keys {
		if k == key {
			return o.values[i], true
		}
	}
	return nil, false
}

// Keys returns the keys in selection order.
func (o *Object) Keys() []string { return o.keys }

func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type nodeKind int

const (
	nodePending nodeKind = iota
	nodeNull
	nodeLeaf
	nodeList
	nodeObject
)

// node is one position of the response tree. Nodes are filled in while the
// executor walks levels and turned into plain values once every thunk has
// completed, so null propagation sees the whole tree.
type node struct {
	kind    nodeKind
	nonNull bool
	leaf    any
	items   []*node
	keys    []string
	fields  []*node
}

func (n *node) setNull() {
	n.kind = nodeNull
}

func (n *node) addField(key string) *node {
	child := &node{}
	n.keys = append(n.keys, key)
	n.fields = append(n.fields, child)
	return child
}

// value renders the node. ok is false when the node is null in a non-null
// position, in which case the caller must null itself as well.
func (n *node) value() (v any, ok bool) {
	switch n.kind {
	case nodeLeaf:
		return n.leaf, true
	case nodeList:
		out := make([]any, len(n.items))
		for i, item := range n.items {
			iv, ok := item.value()
			if !ok {
				return nil, !n.nonNull
			}
			out[i] = iv
		}
		return out, true
	case nodeObject:
		obj := &Object{
			keys:   make([]string, 0, len(n.keys)),
			values: make([]any, 0, len(n.keys)),
		}
		for i, f := range n.fields {
			fv, ok := f.value()
			if !ok {
				return nil, !n.nonNull
			}
			obj.keys = append(obj.keys, n.keys[i])
			obj.values = append(obj.values, fv)
		}
		return obj, true
	}
	return nil, !n.nonNull
}
