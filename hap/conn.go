package hap

import (
	"net"
	"sync"

	"github.com/cvsouth/hap-go/recordlayer"
)

// sessionConn wraps a raw net.Conn, transparently switching from plaintext
// to record-layer-framed traffic the instant Pair-Verify completes. This
// mirrors link.Link's wrapping of a raw net.Conn with the cell-framing
// codec, except here the switch to framing happens mid-connection instead
// of at dial time, since every HAP session starts in the clear.
type sessionConn struct {
	net.Conn

	mu        sync.Mutex
	encrypted bool
	layer     *recordlayer.Layer
	decrypter *recordlayer.Decrypter
	plainBuf  []byte
}

func newSessionConn(c net.Conn) *sessionConn {
	return &sessionConn{Conn: c}
}

// enableEncryption flips the connection into record-layer mode. Called
// exactly once, right after Pair-Verify's V3/V4 succeeds; both record-layer
// counters are zero at that point, as spec.md §4.4 requires.
func (c *sessionConn) enableEncryption(l *recordlayer.Layer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layer = l
	c.decrypter = l.NewDecrypter()
	c.encrypted = true
}

func (c *sessionConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	encrypted := c.encrypted
	if encrypted && len(c.plainBuf) > 0 {
		n := copy(p, c.plainBuf)
		c.plainBuf = c.plainBuf[n:]
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	if !encrypted {
		return c.Conn.Read(p)
	}

	// A single socket read may land mid-record (constrained HAP hardware
	// and slow proxies both fragment TCP segments below one ChaCha20
	// frame), so keep feeding the decrypter until at least one record
	// completes — returning (0, nil) here would violate io.Reader.
	raw := make([]byte, 4096)
	var plain []byte
	for len(plain) == 0 {
		n, err := c.Conn.Read(raw)
		if n > 0 {
			records, ferr := c.decrypter.Feed(raw[:n])
			if ferr != nil {
				return 0, ferr
			}
			for _, r := range records {
				plain = append(plain, r...)
			}
		}
		if err != nil {
			if len(plain) == 0 {
				return 0, err
			}
			break
		}
	}
	copied := copy(p, plain)
	if copied < len(plain) {
		c.mu.Lock()
		c.plainBuf = append(c.plainBuf, plain[copied:]...)
		c.mu.Unlock()
	}
	return copied, nil
}

func (c *sessionConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	encrypted := c.encrypted
	layer := c.layer
	c.mu.Unlock()
	if !encrypted {
		return c.Conn.Write(p)
	}
	framed, err := layer.Encrypt(p)
	if err != nil {
		return 0, err
	}
	if _, err := c.Conn.Write(framed); err != nil {
		return 0, err
	}
	return len(p), nil
}
