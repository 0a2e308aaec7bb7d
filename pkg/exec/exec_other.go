//go:build !unix

package exec

import "errors"

var (
	ErrReleased    = errors.New("exec: function already released")
	errUnsupported = errors.New("exec: executable memory is only supported on unix hosts")
)

type Func struct{}

func Load(code []byte) (*Func, error) { return nil, errUnsupported }

func (f *Func) Call(frame []byte) error { return errUnsupported }
func (f *Func) Size() int               { return 0 }
func (f *Func) Release() error          { return errUnsupported }
