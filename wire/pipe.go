package wire

import "io"

// duplexPipe glues two unidirectional io.Pipes into one ReadWriteCloser.
type duplexPipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d *duplexPipe) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplexPipe) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *duplexPipe) Close() error {
	werr := d.w.Close()
	rerr := d.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// NewPipe returns two connected Conns, as if each were the other's remote
// peer — the in-memory stand-in for a real socket, used by tests so the
// Puller can be driven without a network.
func NewPipe() (a, b *Conn) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	connA := &duplexPipe{r: r1, w: w2}
	connB := &duplexPipe{r: r2, w: w1}
	return NewConn(connA), NewConn(connB)
}
