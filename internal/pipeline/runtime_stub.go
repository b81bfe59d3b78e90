//go:build !govips || !cgo

package pipeline

func Startup(RuntimeConfig) error {
	return nil
}

func Shutdown() {}

func newEncoder() Encoder {
	return stdlibEncoder{}
}
