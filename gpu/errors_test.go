package gpu

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestDeviceLostClassification(t *testing.T) {
	type spec struct {
		res     Result
		expLost bool
	}
	specs := []spec{
		{ResultFailed, false},
		{ResultInvalidCall, false},
		{ResultOutOfMemory, false},
		{ResultWaitTimeout, false},
		{ResultDeviceRemoved, true},
		{ResultDeviceReset, true},
		{ResultDeviceHung, true},
	}

	for index, s := range specs {
		err := Fail("Queue.ExecuteCommandLists", s.res)
		if got := IsDeviceLost(err); got != s.expLost {
			t.Fatalf("[spec %d] expected IsDeviceLost(%s) to be %t; got %t", index, s.res, s.expLost, got)
		}

		wrapped := errors.Wrap(err, "render frame")
		if got := IsDeviceLost(wrapped); got != s.expLost {
			t.Fatalf("[spec %d] expected wrapped IsDeviceLost(%s) to be %t; got %t", index, s.res, s.expLost, got)
		}

		if got := ResultOf(wrapped); got != s.res {
			t.Fatalf("[spec %d] expected result %s; got %s", index, s.res, got)
		}
	}
}

func TestResultOf(t *testing.T) {
	if got := ResultOf(nil); got != ResultOK {
		t.Fatalf("expected nil error to map to %s; got %s", ResultOK, got)
	}

	if got := ResultOf(errors.New("boom")); got != ResultFailed {
		t.Fatalf("expected foreign error to map to %s; got %s", ResultFailed, got)
	}

	cause := errors.New("context deadline exceeded")
	err := Wrap(cause, "Fence.Wait", ResultDeviceHung)
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped error to retain its cause")
	}
	if !IsDeviceLost(err) {
		t.Fatal("expected hung device error to be classified as device lost")
	}

	if Wrap(nil, "noop", ResultFailed) != nil {
		t.Fatal("expected wrapping a nil cause to yield nil")
	}
}

func TestAlignConstantBufferSize(t *testing.T) {
	type spec struct {
		in, exp int
	}
	specs := []spec{
		{0, 0},
		{1, 256},
		{64, 256},
		{256, 256},
		{257, 512},
	}

	for index, s := range specs {
		if got := AlignConstantBufferSize(s.in); got != s.exp {
			t.Fatalf("[spec %d] expected aligned size %d; got %d", index, s.exp, got)
		}
	}
}
