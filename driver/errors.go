package driver

import "errors"

// ErrDisabledFeature is returned by operations that are compiled in
// but turned off by the current configuration, such as
// EnableInsecurePorts when border-router support is off.
var ErrDisabledFeature = errors.New("driver: feature disabled by configuration")

// ErrNotImplemented is returned by SendVendorCommand when the
// configuration does not enable Spinel vendor support.
var ErrNotImplemented = errors.New("driver: operation not implemented")
