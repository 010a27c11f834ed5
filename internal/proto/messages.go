package proto

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Version is sent by agents in the hello line. The server currently accepts any
// value but logs it; bump when the post-handshake framing changes.
const Version = "1"

// Hello is sent by the worker agent as the first line on the outer connection.
type Hello struct {
	Token   string `json:"token"`
	Agent   string `json:"agent"`
	Version string `json:"version"`
}

// HelloOK server -> agent acknowledgement. After this line both ends switch the
// connection to multiplexed framing.
type HelloOK struct {
	Session string `json:"session"`
}

// HelloErr server -> agent rejection; the connection is closed right after.
type HelloErr struct {
	Error string `json:"error"`
}

// WriteLine marshals v and writes it as a single newline-terminated line.
func WriteLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// ReadLine reads one newline-terminated line and unmarshals it into v.
func ReadLine(rd *bufio.Reader, v any) error {
	line, err := rd.ReadString('\n')
	if err != nil {
		return err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return fmt.Errorf("empty handshake line")
	}
	return json.Unmarshal([]byte(line), v)
}
