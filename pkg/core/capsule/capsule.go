// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package capsule implements the envelope that lets a graph travel across process boundaries (from the driver to
// the workers), without re-shipping or re-importing graphs a process already has.
//
// The wire format is:
//
//	STRING id
//	INT32  length  // 0 if the writer is not authoritative: no payload follows.
//	BYTES  payload // Serialized graph, only if length > 0.
//
// The reader branches on its own cache state, regardless of what the writer sent: if the serialized graph is
// already cached, whatever follows the id is drained; otherwise the payload is required.
//
// The protocol is written once against the Stream interface, implemented by NewBinaryStream and NewGobStream.
package capsule

import (
	"io"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphnet/backends"
	"github.com/gomlx/graphnet/pkg/core/distributed"
	"github.com/gomlx/graphnet/pkg/core/registry"
	"github.com/gomlx/graphnet/pkg/support/errs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Write the capsule of the graph identified by id to s.
//
// Only the authoritative process (see distributed.IsAuthoritative) writes the serialized graph, taken from
// registry.GraphDefs or, if not there, from graph.Serialize. Other processes write a zero length.
func Write(s Stream, id string, graph backends.Graph) error {
	if err := s.WriteString(id); err != nil {
		return errors.WithMessagef(err, "capsule.Write(%q)", id)
	}
	if !distributed.IsAuthoritative() {
		klog.V(2).Infof("capsule.Write(%q): not authoritative, no payload", id)
		return errors.WithMessagef(s.WriteInt32(0), "capsule.Write(%q)", id)
	}

	defRef, _, err := registry.GraphDefs.GetOrCreate(id, graph.Serialize)
	if err != nil {
		return errors.WithMessagef(err, "capsule.Write(%q)", id)
	}
	defer defRef.Release()
	payload := defRef.Value()
	if len(payload) == 0 || len(payload) > math.MaxInt32 {
		return errors.Errorf("capsule.Write(%q): invalid serialized graph size %d", id, len(payload))
	}
	if err := s.WriteInt32(int32(len(payload))); err != nil {
		return errors.WithMessagef(err, "capsule.Write(%q)", id)
	}
	if _, err := s.Write(payload); err != nil {
		return errors.Wrapf(err, "capsule.Write(%q): failed to write payload", id)
	}
	klog.V(1).Infof("capsule.Write(%q): wrote %s payload", id, humanize.Bytes(uint64(len(payload))))
	return nil
}

// Read a capsule from s, and returns the graph id and a reference to the graph, imported into backend only if it
// is not there already (see registry.ImportGraph). The caller owns the reference and must release it.
//
// It returns an error wrapping errs.ErrPrecondition if the graph is not cached and the writer sent no payload.
func Read(s Stream, backend backends.Backend) (id string, graphRef *registry.Ref[backends.Graph], err error) {
	id, err = s.ReadString()
	if err != nil {
		return "", nil, errors.WithMessage(err, "capsule.Read")
	}

	defRef, found := registry.GraphDefs.Get(id)
	if found {
		if err = drain(s); err != nil {
			defRef.Release()
			return "", nil, errors.WithMessagef(err, "capsule.Read(%q)", id)
		}
	} else {
		// The payload is read outside the registry lock.
		payload, err := readPayload(s)
		if err != nil {
			return "", nil, errors.WithMessagef(err, "capsule.Read(%q)", id)
		}
		var created bool
		defRef, created, err = registry.GraphDefs.GetOrCreate(id, func() ([]byte, error) { return payload, nil })
		if err != nil {
			return "", nil, errors.WithMessagef(err, "capsule.Read(%q)", id)
		}
		if !created {
			klog.V(1).Infof("capsule.Read(%q): graph definition cached concurrently, discarding payload", id)
		}
	}
	defer defRef.Release()

	graphRef, imported, err := registry.ImportGraph(backend, id, defRef.Value)
	if err != nil {
		return "", nil, errors.WithMessagef(err, "capsule.Read(%q)", id)
	}
	klog.V(1).Infof("capsule.Read(%q): imported=%v", id, imported)
	return id, graphRef, nil
}

func readLength(s Stream) (int, error) {
	n, err := s.ReadInt32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.Errorf("invalid payload length %d", n)
	}
	return int(n), nil
}

// readPayload reads the length and exactly that many bytes, accumulating partial reads.
func readPayload(s Stream) ([]byte, error) {
	n, err := readLength(s)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errs.Preconditionf("graph not cached and no payload was sent: was the capsule written by a " +
			"non-authoritative process?")
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(s, payload); err != nil {
		return nil, errors.Wrapf(err, "failed to read payload of %d bytes", n)
	}
	return payload, nil
}

// drain reads and discards the length-prefixed payload, if any.
func drain(s Stream) error {
	n, err := readLength(s)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, s, int64(n)); err != nil {
		return errors.Wrapf(err, "failed to drain payload of %d bytes", n)
	}
	klog.V(2).Infof("capsule: drained %s payload", humanize.Bytes(uint64(n)))
	return nil
}
