// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed answers the one question GraphNet asks of the distributed execution platform: the role
// of the current process.
//
// The driver is the authoritative source of the graphs, and ships their serialized bytes to the workers. When the
// role cannot be determined (e.g. outside a distributed context) the process is considered authoritative,
// so payloads are always shipped rather than never.
package distributed

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RoleEnvVar is the environment variable with the role of the process: "driver" or "worker".
const RoleEnvVar = "GRAPHNET_ROLE"

// Role of a process in a distributed execution.
type Role int

const (
	// Unknown role: the process is not part of a distributed execution, or the platform didn't tell.
	Unknown Role = iota

	// Driver coordinates the distributed execution, and is the authoritative source of graphs.
	Driver

	// Worker executes tasks sent by the driver.
	Worker
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case Unknown:
		return "unknown"
	case Driver:
		return "driver"
	case Worker:
		return "worker"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseRole converts a role name (case-insensitive) to a Role. The empty string is Unknown.
func ParseRole(name string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "unknown":
		return Unknown, nil
	case "driver":
		return Driver, nil
	case "worker":
		return Worker, nil
	}
	return Unknown, errors.Errorf("unknown distributed role %q, valid values are \"driver\" and \"worker\"", name)
}

var (
	muRole       sync.RWMutex
	roleOverride *Role
)

// CurrentRole returns the role of this process: the one set with SetRole, or else the one in $GRAPHNET_ROLE.
// An invalid value in $GRAPHNET_ROLE is reported and treated as Unknown.
func CurrentRole() Role {
	muRole.RLock()
	defer muRole.RUnlock()
	if roleOverride != nil {
		return *roleOverride
	}
	role, err := ParseRole(os.Getenv(RoleEnvVar))
	if err != nil {
		klog.Warningf("$%s: %v", RoleEnvVar, err)
		return Unknown
	}
	return role
}

// SetRole overrides the role of this process, ignoring $GRAPHNET_ROLE. It returns a function that restores the
// previous setting.
func SetRole(role Role) (restore func()) {
	muRole.Lock()
	defer muRole.Unlock()
	previous := roleOverride
	roleOverride = &role
	return func() {
		muRole.Lock()
		defer muRole.Unlock()
		roleOverride = previous
	}
}

// IsAuthoritative returns whether this process is the authoritative source of graphs: true unless it is a Worker.
func IsAuthoritative() bool {
	return CurrentRole() != Worker
}
