package tcp

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"rmcast/message"
)

const helloPrefix = "HELLO "

var ErrHandshake = errors.New("tcp: handshake failed")

func writeHello(w io.Writer, id message.ProcessID) error {
	_, err := fmt.Fprintf(w, "%s%s\n", helloPrefix, id)
	return err
}

// Read a hello line and return the announced id
func readHello(r *bufio.Reader) (message.ProcessID, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "read hello"), ErrHandshake)
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, helloPrefix) {
		return "", errors.Wrapf(ErrHandshake, "unexpected hello %q", line)
	}
	id := strings.TrimSpace(strings.TrimPrefix(line, helloPrefix))
	if id == "" {
		return "", errors.Wrap(ErrHandshake, "empty id")
	}
	return message.ProcessID(id), nil
}
