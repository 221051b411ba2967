package hap

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// response is the dispatcher's internal result shape; writeResponse
// renders it onto the wire with the literal header casing and CRLF line
// endings spec.md §6 requires ("HTTP/1.1", "Connection: keep-alive").
type response struct {
	status      int
	contentType string
	body        []byte
}

func jsonResponse(status int, body []byte) *response {
	return &response{status: status, contentType: "application/hap+json", body: body}
}

func tlv8Response(status int, body []byte) *response {
	return &response{status: status, contentType: "application/pairing+tlv8", body: body}
}

func emptyResponse(status int) *response {
	return &response{status: status}
}

// handleRequest reads one HTTP/1.1 request off reader and routes it,
// returning the response to send and whether the connection should close
// afterward. A nil response means the connection is already unusable
// (parse error, EOF) and must be torn down without a reply.
func (srv *Server) handleRequest(sess *Session, reader *bufio.Reader) (*response, bool) {
	req, err := http.ReadRequest(reader)
	if err != nil {
		return nil, true
	}
	defer req.Body.Close()

	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		return emptyResponse(http.StatusBadRequest), true
	}

	resp := srv.route(sess, req, body)
	closeAfter := req.Header.Get("Connection") == "close"
	return resp, closeAfter
}

func (srv *Server) route(sess *Session, req *http.Request, body []byte) *response {
	path := req.URL.Path

	// Every endpoint except pair-setup, pair-verify, and (pre-pair)
	// identify requires the session to be encrypted (spec.md §4.5).
	requiresAuth := true
	switch path {
	case "/pair-setup", "/pair-verify":
		requiresAuth = false
	case "/identify":
		paired, err := srv.Paired()
		requiresAuth = err != nil || paired
	}
	if requiresAuth && !sess.Encrypted() {
		return emptyResponse(http.StatusBadRequest)
	}

	switch {
	case req.Method == http.MethodPost && path == "/pair-setup":
		return srv.handlePairSetup(sess, body)
	case req.Method == http.MethodPost && path == "/pair-verify":
		return srv.handlePairVerify(sess, body)
	case req.Method == http.MethodPost && path == "/pairings":
		return srv.handlePairings(sess, body)
	case req.Method == http.MethodPost && path == "/identify":
		return srv.handleIdentify(sess)
	case req.Method == http.MethodGet && path == "/accessories":
		return srv.handleGetAccessories(sess)
	case req.Method == http.MethodGet && path == "/characteristics":
		return srv.handleGetCharacteristics(sess, req)
	case req.Method == http.MethodPut && path == "/characteristics":
		return srv.handlePutCharacteristics(sess, body)
	case req.Method == http.MethodPost && path == "/reset":
		return srv.handleReset(sess)
	case req.Method == http.MethodPost && path == "/resource":
		return srv.handleResource(sess, body)
	default:
		return emptyResponse(http.StatusNotFound)
	}
}

func writeResponse(w io.Writer, resp *response) error {
	status := resp.status
	if status == 0 {
		status = http.StatusOK
	}
	var buf []byte
	buf = append(buf, fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, http.StatusText(status))...)
	if resp.contentType != "" {
		buf = append(buf, "Content-Type: "+resp.contentType+"\r\n"...)
	}
	buf = append(buf, "Content-Length: "+strconv.Itoa(len(resp.body))+"\r\n"...)
	buf = append(buf, "Connection: keep-alive\r\n\r\n"...)
	buf = append(buf, resp.body...)
	_, err := w.Write(buf)
	return err
}

// writeEvent emits one EVENT/1.0 frame, the asynchronous-notification
// format spec.md §4.5 defines.
func writeEvent(w io.Writer, e event) error {
	payload, err := marshalEventBody(e)
	if err != nil {
		return err
	}
	var buf []byte
	buf = append(buf, "EVENT/1.0 200 OK\r\n"...)
	buf = append(buf, "Content-Type: application/hap+json\r\n"...)
	buf = append(buf, "Content-Length: "+strconv.Itoa(len(payload))+"\r\n\r\n"...)
	buf = append(buf, payload...)
	_, werr := w.Write(buf)
	return werr
}
