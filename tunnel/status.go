package tunnel

import (
	"net/http"
	"strconv"

	"github.com/fr13n8/tunsock/socket"
)

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

// statusFromResponse converts a CONNECT response into a tunnel status. The
// body is handed over only for rejections.
func statusFromResponse(resp *http.Response) socket.TunnelStatus {
	st := socket.TunnelStatus{
		Code:   resp.StatusCode,
		Status: resp.Status,
		Header: resp.Header.Clone(),
	}
	if st.Header == nil {
		st.Header = make(http.Header)
	}
	if st.Header.Get("Content-Length") == "" && resp.ContentLength >= 0 {
		st.Header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	if !isSuccess(resp.StatusCode) {
		st.Body = resp.Body
	}
	return st
}
