package crashlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
)

// DecodedPath is where the decoded copy of the log at p is written.
func DecodedPath(p string) string {
	return p[:len(p)-len(path.Ext(p))] + ".decoded.txt"
}

// WriteDecoded creates fnm and hands fn a buffered writer on it. Errors from
// fn, from flushing and from closing the file are all returned.
func WriteDecoded(fnm string, fn func(w io.Writer) error) error {
	fh, err := os.Create(fnm)
	if err != nil {
		return fmt.Errorf("unable to make output stream: %w", err)
	}
	return writeTo(fh, fn)
}

func writeTo(wc io.WriteCloser, fn func(w io.Writer) error) (err error) {
	defer func() {
		if cerr := wc.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("unable to close output stream: %w", cerr)
		}
	}()

	w := bufio.NewWriter(wc)
	if err := fn(w); err != nil {
		return err
	}
	return w.Flush()
}
