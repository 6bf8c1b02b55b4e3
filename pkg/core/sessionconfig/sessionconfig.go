// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sessionconfig encodes the options record passed to an engine session at creation time.
//
// The blob is a sequence of protobuf varint fields:
//
//   - tag 16 (field 2): intra-op thread count, omitted if <= 0.
//   - tag 40 (field 5): inter-op thread count, omitted if <= 0.
//   - tag 72 (field 9): per-session threads, value 1, omitted if disabled.
//
// For counts smaller than 128 each field is exactly two bytes: the tag and the value.
package sessionconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// EnvVar holds the session configuration in the format accepted by Parse, e.g.: "intra=2,inter=1,per_session".
const EnvVar = "GRAPHNET_SESSION_CONFIG"

const (
	fieldIntraOpThreads    protowire.Number = 2
	fieldInterOpThreads    protowire.Number = 5
	fieldPerSessionThreads protowire.Number = 9
)

// Config for an engine session.
type Config struct {
	// IntraOpThreads is the number of threads used to parallelize the execution of one operation.
	IntraOpThreads int `toml:"intra_op_threads"`

	// InterOpThreads is the number of threads used to execute independent operations in parallel.
	InterOpThreads int `toml:"inter_op_threads"`

	// PerSessionThreads makes the session use its own thread pools, instead of the process-wide ones.
	PerSessionThreads bool `toml:"per_session_threads"`
}

// String implements fmt.Stringer, in the format accepted by Parse.
func (c Config) String() string {
	var parts []string
	if c.IntraOpThreads > 0 {
		parts = append(parts, fmt.Sprintf("intra=%d", c.IntraOpThreads))
	}
	if c.InterOpThreads > 0 {
		parts = append(parts, fmt.Sprintf("inter=%d", c.InterOpThreads))
	}
	if c.PerSessionThreads {
		parts = append(parts, "per_session")
	}
	return strings.Join(parts, ",")
}

// Encode the configuration into the blob accepted by the engine's session constructor.
// A configuration with nothing enabled encodes to an empty blob.
func (c Config) Encode() []byte {
	var blob []byte
	if c.IntraOpThreads > 0 {
		blob = protowire.AppendTag(blob, fieldIntraOpThreads, protowire.VarintType)
		blob = protowire.AppendVarint(blob, uint64(c.IntraOpThreads))
	}
	if c.InterOpThreads > 0 {
		blob = protowire.AppendTag(blob, fieldInterOpThreads, protowire.VarintType)
		blob = protowire.AppendVarint(blob, uint64(c.InterOpThreads))
	}
	if c.PerSessionThreads {
		blob = protowire.AppendTag(blob, fieldPerSessionThreads, protowire.VarintType)
		blob = protowire.AppendVarint(blob, 1)
	}
	if blob == nil {
		blob = []byte{}
	}
	return blob
}

// Decode a blob created by Encode. An empty (or nil) blob decodes to the zero Config.
// Unknown fields are skipped.
func Decode(blob []byte) (Config, error) {
	var c Config
	for len(blob) > 0 {
		num, typ, n := protowire.ConsumeTag(blob)
		if n < 0 {
			return c, errors.Wrap(protowire.ParseError(n), "sessionconfig.Decode: invalid tag")
		}
		blob = blob[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, blob)
			if n < 0 {
				return c, errors.Wrapf(protowire.ParseError(n), "sessionconfig.Decode: invalid field #%d", num)
			}
			blob = blob[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(blob)
		if n < 0 {
			return c, errors.Wrapf(protowire.ParseError(n), "sessionconfig.Decode: invalid value for field #%d", num)
		}
		blob = blob[n:]
		switch num {
		case fieldIntraOpThreads:
			c.IntraOpThreads = int(v)
		case fieldInterOpThreads:
			c.InterOpThreads = int(v)
		case fieldPerSessionThreads:
			c.PerSessionThreads = v != 0
		default:
			klog.V(2).Infof("sessionconfig.Decode: skipping unknown field #%d", num)
		}
	}
	return c, nil
}

// Parse a configuration in the format "intra=<n>,inter=<n>,per_session". All parts are optional, and an empty
// string returns the zero Config.
func Parse(config string) (Config, error) {
	var c Config
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		switch key {
		case "intra", "inter":
			if !hasValue {
				return c, errors.Errorf("sessionconfig.Parse(%q): %q requires a value", config, key)
			}
			n, err := strconv.Atoi(value)
			if err != nil {
				return c, errors.Wrapf(err, "sessionconfig.Parse(%q): invalid value for %q", config, key)
			}
			if key == "intra" {
				c.IntraOpThreads = n
			} else {
				c.InterOpThreads = n
			}
		case "per_session":
			c.PerSessionThreads = true
			if hasValue {
				b, err := strconv.ParseBool(value)
				if err != nil {
					return c, errors.Wrapf(err, "sessionconfig.Parse(%q): invalid value for %q", config, key)
				}
				c.PerSessionThreads = b
			}
		default:
			return c, errors.Errorf("sessionconfig.Parse(%q): unknown option %q", config, key)
		}
	}
	return c, nil
}

// FromEnv parses the configuration in $GRAPHNET_SESSION_CONFIG. It returns the zero Config if it is not set.
func FromEnv() (Config, error) {
	return Parse(os.Getenv(EnvVar))
}

// LoadFile reads the configuration from a TOML file, with the keys intra_op_threads, inter_op_threads
// and per_session_threads.
func LoadFile(path string) (Config, error) {
	var c Config
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return c, errors.Wrapf(err, "sessionconfig.LoadFile(%q)", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		klog.Warningf("sessionconfig.LoadFile(%q): ignoring unknown keys %v", path, undecoded)
	}
	return c, nil
}
