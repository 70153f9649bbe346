package async

import (
	"context"
	"testing"
	"time"

	gc "gopkg.in/check.v1"
)

type PromiseSuite struct{}

func (s *PromiseSuite) TestResolveWakesWaiters(c *gc.C) {
	var p = NewPromise[int]()

	var waiterCh = make(chan int, 3)
	for i := 0; i != 3; i++ {
		go func() { waiterCh <- p.Wait() }()
	}

	p.Resolve(42)

	for i := 0; i != 3; i++ {
		c.Check(<-waiterCh, gc.Equals, 42)
	}
	// A Wait after resolution returns immediately.
	c.Check(p.Wait(), gc.Equals, 42)
	c.Check(p.Result(), gc.Equals, 42)
}

func (s *PromiseSuite) TestWaitContextCancellation(c *gc.C) {
	var p = NewPromise[string]()

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	var v, err = p.WaitContext(ctx)
	c.Check(v, gc.Equals, "")
	c.Check(err, gc.Equals, context.Canceled)

	p.Resolve("done")
	v, err = p.WaitContext(context.Background())
	c.Check(v, gc.Equals, "done")
	c.Check(err, gc.IsNil)
}

func (s *PromiseSuite) TestWaitWithPeriodicTask(c *gc.C) {
	var p = NewPromise[int]()

	var taskCh = make(chan struct{}, 16)
	go func() {
		// Resolve after the periodic task has run at least once.
		<-taskCh
		p.Resolve(7)
	}()

	var v = p.WaitWithPeriodicTask(time.Millisecond, func() {
		select {
		case taskCh <- struct{}{}:
		default:
		}
	})
	c.Check(v, gc.Equals, 7)
}

func (s *PromiseSuite) TestDoneSelects(c *gc.C) {
	var p = NewPromise[struct{}]()

	select {
	case <-p.Done():
		c.Fatal("Done selected before Resolve")
	default:
	}

	p.Resolve(struct{}{})

	select {
	case <-p.Done():
	default:
		c.Fatal("Done did not select after Resolve")
	}
}

var _ = gc.Suite(&PromiseSuite{})

func Test(t *testing.T) { gc.TestingT(t) }
