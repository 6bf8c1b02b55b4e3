// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphdef defines the serialized form of the graphs understood by the reference engine
// (backends/simplego), and a small builder to create them.
//
// The wire format is protobuf, written and read with google.golang.org/protobuf/encoding/protowire:
//
//	GraphDef { repeated NodeDef node = 1; int64 version = 2; }
//	NodeDef  { string name = 1; string op = 2; repeated string input = 3; int32 dtype = 4;
//	           repeated sint64 dimensions = 5 [packed]; repeated double value = 6 [packed];
//	           bool transpose_a = 7; bool transpose_b = 8; }
//
// Every node has exactly one output, named "<name>:0".
package graphdef

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Version of the GraphDef written by Marshal.
const Version = 1

// Operation types known to the reference engine.
const (
	OpPlaceholder = "Placeholder"
	OpConst       = "Const"
	OpVariable    = "Variable"
	OpIdentity    = "Identity"
	OpCast        = "Cast"
	OpAdd         = "Add"
	OpSub         = "Sub"
	OpMul         = "Mul"
	OpNeg         = "Neg"
	OpMatMul      = "MatMul"
	OpRelu        = "Relu"
	OpReluGrad    = "ReluGrad"
)

// Node is one operation of the graph.
type Node struct {
	Name   string
	Op     string
	Inputs []string

	// DType of the output. For Cast it's the target dtype.
	DType dtypes.DType

	// Dimensions of the output, for Placeholder, Const and Variable. Placeholders may use -1 for
	// dimensions only known when fed.
	Dimensions []int

	// Value of Const, or initial value of Variable, flat in row-major order.
	Value []float64

	// TransposeA and TransposeB are the MatMul attributes.
	TransposeA, TransposeB bool
}

// Def is a graph definition: a list of nodes, in any order.
type Def struct {
	Version int
	Nodes   []*Node
}

// New returns an empty graph definition.
func New() *Def {
	return &Def{Version: Version}
}

// Node returns the node with the given name, or nil.
func (d *Def) Node(name string) *Node {
	for _, node := range d.Nodes {
		if node.Name == name {
			return node
		}
	}
	return nil
}

// TensorName returns the name of the output of the operation: "<op>:<index>".
func TensorName(op string, index int) string {
	return op + ":" + strconv.Itoa(index)
}

// SplitTensorName splits a tensor name "<op>:<index>" into its parts. A name without ":" refers to output 0.
func SplitTensorName(name string) (op string, index int, err error) {
	idx := strings.LastIndexByte(name, ':')
	if idx == -1 {
		return name, 0, nil
	}
	index, err = strconv.Atoi(name[idx+1:])
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid tensor name %q", name)
	}
	return name[:idx], index, nil
}

// GradName returns the name of the gradient counterpart of the tensor name: "<op>:<index>" becomes
// "<op>_grad:<index>".
func GradName(name string) string {
	idx := strings.LastIndexByte(name, ':')
	if idx == -1 {
		return name + "_grad"
	}
	return name[:idx] + "_grad" + name[idx:]
}

func (d *Def) add(node *Node) string {
	d.Nodes = append(d.Nodes, node)
	return TensorName(node.Name, 0)
}

// Placeholder adds a value that must be fed at run time. Use -1 for dimensions not known in advance.
func (d *Def) Placeholder(name string, dtype dtypes.DType, dimensions ...int) string {
	return d.add(&Node{Name: name, Op: OpPlaceholder, DType: dtype, Dimensions: slices.Clone(dimensions)})
}

// Const adds a constant value.
func (d *Def) Const(name string, dtype dtypes.DType, value []float64, dimensions ...int) string {
	return d.add(&Node{Name: name, Op: OpConst, DType: dtype, Value: slices.Clone(value),
		Dimensions: slices.Clone(dimensions)})
}

// Variable adds a variable, whose value is held by each session, initialized with initial.
func (d *Def) Variable(name string, dtype dtypes.DType, initial []float64, dimensions ...int) string {
	return d.add(&Node{Name: name, Op: OpVariable, DType: dtype, Value: slices.Clone(initial),
		Dimensions: slices.Clone(dimensions)})
}

// Op adds a generic operation over the given inputs.
func (d *Def) Op(op, name string, inputs ...string) string {
	return d.add(&Node{Name: name, Op: op, Inputs: slices.Clone(inputs)})
}

// MatMul adds a matrix multiplication of a and b, optionally transposed.
func (d *Def) MatMul(name, a, b string, transposeA, transposeB bool) string {
	return d.add(&Node{Name: name, Op: OpMatMul, Inputs: []string{a, b}, TransposeA: transposeA, TransposeB: transposeB})
}

// Cast adds a conversion of input to dtype.
func (d *Def) Cast(name, input string, dtype dtypes.DType) string {
	return d.add(&Node{Name: name, Op: OpCast, Inputs: []string{input}, DType: dtype})
}

// Marshal serializes the graph definition.
func (d *Def) Marshal() []byte {
	var b []byte
	for _, node := range d.Nodes {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, node.marshal())
	}
	if d.Version != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.Version))
	}
	return b
}

func (n *Node) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, n.Name)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, n.Op)
	for _, input := range n.Inputs {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, input)
	}
	if n.DType != dtypes.InvalidDType {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(n.DType))
	}
	if n.Dimensions != nil {
		var packed []byte
		for _, dim := range n.Dimensions {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(dim)))
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(n.Value) > 0 {
		var packed []byte
		for _, v := range n.Value {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if n.TransposeA {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if n.TransposeB {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// Unmarshal parses a serialized graph definition. Unknown fields are skipped.
func Unmarshal(data []byte) (*Def, error) {
	d := &Def{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "parsing GraphDef")
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			nodeBytes, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "parsing GraphDef.node")
			}
			node, err := unmarshalNode(nodeBytes)
			if err != nil {
				return nil, errors.WithMessagef(err, "parsing GraphDef.node #%d", len(d.Nodes))
			}
			d.Nodes = append(d.Nodes, node)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "parsing GraphDef.version")
			}
			d.Version = int(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "skipping GraphDef field %d", num)
			}
			data = data[n:]
		}
	}
	return d, nil
}

func unmarshalNode(data []byte) (*Node, error) {
	node := &Node{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case (num == 1 || num == 2 || num == 3) && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case 1:
				node.Name = s
			case 2:
				node.Op = s
			default:
				node.Inputs = append(node.Inputs, s)
			}
			data = data[n:]
		case (num == 4 || num == 7 || num == 8) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case 4:
				node.DType = dtypes.DType(v)
			case 7:
				node.TransposeA = protowire.DecodeBool(v)
			default:
				node.TransposeB = protowire.DecodeBool(v)
			}
			data = data[n:]
		case num == 5 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			node.Dimensions = []int{}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				node.Dimensions = append(node.Dimensions, int(protowire.DecodeZigZag(v)))
				packed = packed[m:]
			}
			data = data[n:]
		case num == 6 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				node.Value = append(node.Value, math.Float64frombits(v))
				packed = packed[m:]
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if node.Name == "" {
		return nil, errors.New("node without a name")
	}
	return node, nil
}
