//go:build !govips || !cgo

package backend

func Startup() error {
	return nil
}

func Shutdown() {}

// NewProvider returns the pure Go backend.
func NewProvider() Provider {
	return StdProvider{}
}

// SupportsWebp reports whether NewProvider's backend can write webp.
func SupportsWebp() bool {
	return false
}
