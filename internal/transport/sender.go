package transport

import (
	"context"

	"github.com/1ureka/udplink/internal/link"
	"github.com/1ureka/udplink/internal/protocol"
	"github.com/1ureka/udplink/internal/util"
)

type sendJob struct {
	link *link.Link
	pkt  *protocol.Packet
}

// sender is the send worker: a single goroutine that performs every socket
// write, so a blocked write never stalls the link manager. Its queue is
// unbounded; producers never wait.
type sender struct {
	queue *util.Queue[sendJob]
	done  chan struct{}
}

// newSender creates a sender and starts its loop. The loop exits when ctx
// is cancelled.
func newSender(ctx context.Context) *sender {
	s := &sender{
		queue: util.NewQueue[sendJob](),
		done:  make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

// loop writes queued packets in FIFO order.
func (s *sender) loop(ctx context.Context) {
	defer close(s.done)

	for {
		job, ok := s.queue.Take(ctx.Done())
		if !ok {
			return
		}
		job.link.Transmit(job.pkt)
	}
}

// send enqueues a packet for transmission. It returns silently once the
// sender has stopped.
func (s *sender) send(l *link.Link, pkt *protocol.Packet) {
	s.queue.Put(sendJob{link: l, pkt: pkt})
}

// pending returns the number of queued packets.
func (s *sender) pending() int {
	return s.queue.Len()
}

// stop closes the queue, lets the loop write what is already queued and
// waits for it to exit.
func (s *sender) stop() {
	s.queue.Close()
	<-s.done
}
