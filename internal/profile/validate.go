package profile

import (
	"fmt"
	"regexp"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// maxSocketPath is the usable sun_path length on the strictest supported
// platform (104 bytes on darwin, including the terminating NUL).
const maxSocketPath = 103

// ValidateName checks that name can be used as a profile directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// ValidateSocket checks that the control socket of profile name can be bound
// under the current base directory.
func ValidateSocket(name string) error {
	if path := SocketPath(name); len(path) > maxSocketPath {
		return fmt.Errorf("socket path for profile %q is %d bytes, limit is %d: set %s to a shorter directory",
			name, len(path), maxSocketPath, EnvHome)
	}
	return nil
}
