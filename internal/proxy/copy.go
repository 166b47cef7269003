package proxy

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

type closeWriter interface {
	CloseWrite() error
}

// CopyBidirectional copies between left and right until both directions reach
// EOF, either copy fails, or ctx is done. A direction that reaches EOF
// half-closes its destination when the destination supports CloseWrite. Both
// connections are closed on return.
//
// It returns the byte counts copied left to right and right to left.
func CopyBidirectional(ctx context.Context, left, right net.Conn) (int64, int64, error) {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	// Canceling ctx, or either copy failing, unblocks the other copy.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	var toRight, toLeft int64
	g.Go(func() error {
		var err error
		toRight, err = copyHalf(right, left)
		return err
	})
	g.Go(func() error {
		var err error
		toLeft, err = copyHalf(left, right)
		return err
	})

	err := g.Wait()
	return toRight, toLeft, err
}

func copyHalf(dst, src net.Conn) (int64, error) {
	n, err := io.Copy(dst, src)
	if err != nil {
		return n, err
	}
	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
		return n, nil
	}
	// Without half-close the peer would never see EOF.
	_ = dst.Close()
	return n, nil
}
