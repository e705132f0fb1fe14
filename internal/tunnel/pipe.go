package tunnel

import (
	"io"
	"sync"
)

// Splice copies bytes between two duplex streams until either side closes,
// then closes both. Plain I/O plumbing for the local forward listener.
func Splice(a, b io.ReadWriteCloser) {
	var wg sync.WaitGroup
	wg.Add(2)

	halfPipe := func(dst io.ReadWriteCloser, src io.ReadWriteCloser) {
		defer wg.Done()
		io.Copy(dst, src)
		// Closing both unblocks the opposite copy when one side ends.
		dst.Close()
		src.Close()
	}

	go halfPipe(a, b)
	go halfPipe(b, a)
	wg.Wait()
}
