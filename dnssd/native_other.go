//go:build !((darwin || linux) && (amd64 || arm64))

package dnssd

// Native is unavailable on this platform.
type Native struct{}

// OpenNative always fails with ErrUnavailable here.
func OpenNative() (*Native, error) {
	return nil, ErrUnavailable
}

func (*Native) Browse(string, string, uint32, ReplyFunc) (Ref, error) { return 0, ErrUnavailable }
func (*Native) SockFD(Ref) (int, error)                              { return -1, ErrUnavailable }
func (*Native) ProcessResult(Ref) error                              { return ErrUnavailable }
func (*Native) Deallocate(Ref) error                                 { return ErrUnavailable }
func (*Native) Close() error                                         { return nil }
