// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphnet

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/gomlx/graphnet/backends"
	"github.com/gomlx/graphnet/pkg/core/capsule"
	"github.com/gomlx/graphnet/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxTensorSize is the maximum number of elements of a weight read by ReadFrom.
const MaxTensorSize = 1 << 28

// WriteTo serializes the Net to s: the graph capsule, the Meta (as JSON), the session config blob and the
// current weights.
//
// Only the authoritative process includes the serialized graph in the capsule, see capsule.Write.
func (n *Net) WriteTo(s capsule.Stream) error {
	if err := n.checkOk(); err != nil {
		return err
	}
	if err := capsule.Write(s, n.id, n.graph); err != nil {
		return errors.WithMessage(err, "graphnet.WriteTo")
	}
	metaJSON, err := MarshalMeta(n.meta)
	if err != nil {
		return err
	}
	if err := s.WriteString(string(metaJSON)); err != nil {
		return errors.WithMessage(err, "graphnet.WriteTo: meta")
	}
	if err := writeBytes(s, n.config); err != nil {
		return errors.WithMessage(err, "graphnet.WriteTo: config")
	}
	if err := s.WriteInt32(int32(len(n.weights))); err != nil {
		return errors.WithMessage(err, "graphnet.WriteTo: weights")
	}
	for ii, weight := range n.weights {
		if err := writeTensor(s, weight); err != nil {
			return errors.WithMessagef(err, "graphnet.WriteTo: weight %q", n.meta.VariableNames[ii])
		}
	}
	klog.V(1).Infof("graphnet: wrote net %q with %d weights", n.id, len(n.weights))
	return nil
}

// ReadFrom deserializes a Net written by Net.WriteTo, importing its graph into backend if it is not in
// registry.Graphs already.
func ReadFrom(s capsule.Stream, backend backends.Backend) (*Net, error) {
	id, graphRef, err := capsule.Read(s, backend)
	if err != nil {
		return nil, errors.WithMessage(err, "graphnet.ReadFrom")
	}
	meta, config, weights, err := readNetFields(s)
	if err != nil {
		graphRef.Release()
		return nil, errors.WithMessagef(err, "graphnet.ReadFrom(%q)", id)
	}
	n, err := newNet(backend, id, graphRef, meta, config)
	if err != nil {
		return nil, errors.WithMessage(err, "graphnet.ReadFrom")
	}
	if len(weights) != len(n.meta.VariableNames) {
		_ = n.Finalize()
		return nil, errors.Errorf("graphnet.ReadFrom(%q): got %d weights for %d variables", id, len(weights),
			len(n.meta.VariableNames))
	}
	for ii, weight := range weights {
		if err := n.SetWeight(n.meta.VariableNames[ii], weight); err != nil {
			_ = n.Finalize()
			return nil, errors.WithMessagef(err, "graphnet.ReadFrom(%q)", id)
		}
	}
	return n, nil
}

func readNetFields(s capsule.Stream) (meta Meta, config []byte, weights []*tensors.Tensor, err error) {
	metaJSON, err := s.ReadString()
	if err != nil {
		return meta, nil, nil, errors.WithMessage(err, "meta")
	}
	meta, err = ParseMeta([]byte(metaJSON))
	if err != nil {
		return meta, nil, nil, err
	}
	config, err = readBytes(s)
	if err != nil {
		return meta, nil, nil, errors.WithMessage(err, "config")
	}
	count, err := readCount(s)
	if err != nil {
		return meta, nil, nil, errors.WithMessage(err, "weights")
	}
	weights = make([]*tensors.Tensor, count)
	for ii := range weights {
		weights[ii], err = readTensor(s)
		if err != nil {
			return meta, nil, nil, errors.WithMessagef(err, "weight #%d", ii)
		}
	}
	return meta, config, weights, nil
}

func writeBytes(s capsule.Stream, data []byte) error {
	if err := s.WriteInt32(int32(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := s.Write(data)
	return err
}

func readBytes(s capsule.Stream) ([]byte, error) {
	n, err := readCount(s)
	if err != nil {
		return nil, err
	}
	// The buffer grows with the bytes actually read, not with the declared length.
	data, err := io.ReadAll(io.LimitReader(s, int64(n)))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %d bytes", n)
	}
	if len(data) != n {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "read %d of %d bytes", len(data), n)
	}
	return data, nil
}

func readCount(s capsule.Stream) (int, error) {
	n, err := s.ReadInt32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.Errorf("invalid count %d", n)
	}
	return int(n), nil
}

// writeTensor writes the rank, the dimensions and the float32 values of t, in row-major order.
func writeTensor(s capsule.Stream, t *tensors.Tensor) error {
	dimensions := t.Dimensions()
	if err := s.WriteInt32(int32(len(dimensions))); err != nil {
		return err
	}
	for _, dim := range dimensions {
		if dim > math.MaxInt32 {
			return errors.Errorf("dimension %d too large", dim)
		}
		if err := s.WriteInt32(int32(dim)); err != nil {
			return err
		}
	}
	return errors.Wrap(binary.Write(s, binary.BigEndian, t.Flat()), "failed to write tensor values")
}

func readTensor(s capsule.Stream) (*tensors.Tensor, error) {
	rank, err := readCount(s)
	if err != nil {
		return nil, err
	}
	dimensions := make([]int, rank)
	size := 1
	for ii := range dimensions {
		if dimensions[ii], err = readCount(s); err != nil {
			return nil, err
		}
		if dim := dimensions[ii]; dim > 0 && size > MaxTensorSize/dim {
			return nil, errors.Errorf("tensor with dimensions %v larger than %d elements", dimensions[:ii+1],
				MaxTensorSize)
		}
		size *= dimensions[ii]
	}
	values := make([]float32, size)
	if err := binary.Read(s, binary.BigEndian, values); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d values", len(values))
	}
	return tensors.FromFlatDataAndDimensions(values, dimensions...), nil
}
