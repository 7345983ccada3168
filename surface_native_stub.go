//go:build !(darwin || linux) || nonative

package hwenc

import "fmt"

// NativeAvailable reports whether the native AVC encoder can be loaded.
func NativeAvailable() bool { return false }

// NativeSurfaceFactory always fails on this platform.
func NativeSurfaceFactory(Variant) (EncodeSurface, error) {
	return nil, fmt.Errorf("%w: native encoder not built for this platform", ErrNotFound)
}
