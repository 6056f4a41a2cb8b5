package pipeline

import (
	"net/http"
	"strconv"
)

// replyWriter writes the reply exactly once.
type replyWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (rw *replyWriter) reply(status int, body []byte) (int, error) {
	if rw.wrote {
		return 0, nil
	}
	rw.wrote = true
	rw.status = status

	rw.Header().Set("Content-Length", strconv.Itoa(len(body)))
	rw.WriteHeader(status)
	if len(body) == 0 {
		return 0, nil
	}
	return rw.Write(body)
}
