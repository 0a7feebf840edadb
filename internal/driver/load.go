// SPDX-License-Identifier: MIT

package driver

import "sync"

var (
	vendorMu sync.Mutex
	vendor   func(path string) (*Driver, error)
)

// RegisterVendor installs the vendor library binding. The binding is built
// behind its own build tag (it needs CGO and the vendor SDK headers) and
// registers itself from an init function. Only one binding may register.
func RegisterVendor(load func(path string) (*Driver, error)) {
	vendorMu.Lock()
	defer vendorMu.Unlock()
	if vendor != nil {
		panic("driver: vendor binding registered twice")
	}
	vendor = load
}

// Load resolves the hardware driver from the vendor shared object named by
// path (empty means the platform default). Without a compiled-in vendor
// binding it returns ErrUnavailable; callers fall back to the synthetic
// driver (see NewFake) or refuse to start.
func Load(path string) (*Driver, error) {
	vendorMu.Lock()
	load := vendor
	vendorMu.Unlock()
	if load == nil {
		return nil, ErrUnavailable
	}
	return load(path)
}

// Version reports the vendor binding version, if one is compiled in.
func Version() string {
	vendorMu.Lock()
	defer vendorMu.Unlock()
	if vendor == nil {
		return "unavailable (no vendor binding)"
	}
	return "vendor"
}
