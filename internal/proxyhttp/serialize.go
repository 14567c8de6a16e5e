package proxyhttp

import (
	"fmt"
	"io"
)

// WriteRequestLine writes "METHOD target PROTO\r\n".
func WriteRequestLine(w io.Writer, method, target, proto string) error {
	_, err := fmt.Fprintf(w, "%s %s %s\r\n", method, target, proto)
	return err
}

// WriteStatusLine writes "PROTO code reason\r\n".
func WriteStatusLine(w io.Writer, proto string, code int, reason string) error {
	_, err := fmt.Fprintf(w, "%s %d %s\r\n", proto, code, reason)
	return err
}

// WriteHeadEnd writes the blank line terminating a header block.
func WriteHeadEnd(w io.Writer) error {
	_, err := io.WriteString(w, "\r\n")
	return err
}
