package simulator

// BulkSendApp writes data into the sender's socket as fast as the send
// buffer allows, in fixed-size chunks, until its byte budget is spent.
type BulkSendApp struct {
	sendSize int
	maxBytes int64 // 0 = unlimited
	written  int64
}

// NewBulkSendApp creates an application writing sendSize-byte chunks.
func NewBulkSendApp(sendSize int, maxBytes int64) *BulkSendApp {
	return &BulkSendApp{sendSize: sendSize, maxBytes: maxBytes}
}

// Fill writes whole chunks while they fit into space bytes of send buffer
// and returns the number of bytes written. The final chunk of a bounded
// transfer may be shorter than sendSize.
func (a *BulkSendApp) Fill(space int) int {
	total := 0
	for {
		chunk := a.sendSize
		if a.maxBytes > 0 {
			remaining := a.maxBytes - a.written
			if remaining <= 0 {
				break
			}
			chunk = int(min(int64(chunk), remaining))
		}
		if chunk > space {
			break
		}
		a.written += int64(chunk)
		space -= chunk
		total += chunk
	}
	return total
}

// Done reports whether a bounded transfer has written its whole budget.
func (a *BulkSendApp) Done() bool {
	return a.maxBytes > 0 && a.written >= a.maxBytes
}

// Written returns the bytes handed to the socket so far.
func (a *BulkSendApp) Written() int64 { return a.written }
