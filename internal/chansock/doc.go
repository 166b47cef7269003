// Package chansock adapts a forwarded SSH channel to the net.Conn contract.
//
// A [Socket] can be handed to a consumer before its channel exists. Writes made
// before [Socket.Attach] are held in a single pending slot and flushed ahead of
// anything written later. Reads are fed by a pump goroutine that stops reading
// the channel while more than HighWaterMark bytes are waiting for the consumer,
// which lets the SSH window push back on the remote end.
//
// Teardown is ordered: end of stream is delivered to the reader before the
// socket closes itself, and close listeners always run on their own goroutine,
// never inside the call that destroyed the socket.
package chansock
