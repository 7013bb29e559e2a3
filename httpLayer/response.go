package httpLayer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// 出错时的页面做成 nginx 的样子, 不暴露自己是代理.

const ServerHeader = "nginx/1.21.5"

const nginxErrorHTML = "<html>\r\n<head><title>%d %s</title></head>\r\n<body>\r\n<center><h1>%d %s</h1></center>\r\n<hr><center>" + ServerHeader + "</center>\r\n</body>\r\n</html>\r\n"

func nginxErrorBody(status int) []byte {
	text := http.StatusText(status)
	return []byte(fmt.Sprintf(nginxErrorHTML, status, text, status, text))
}

// NewResponse 返回一个没有 body 的响应.
func NewResponse(req *http.Request, status int) *http.Response {
	return &http.Response{
		Status:     strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       http.NoBody,
		Request:    req,
	}
}

// ErrorResponse 返回 nginx 风格的错误页面, 并要求关闭连接.
func ErrorResponse(req *http.Request, status int) *http.Response {
	resp := NewResponse(req, status)
	body := nginxErrorBody(status)
	resp.Header.Set("Server", ServerHeader)
	resp.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	resp.Header.Set("Content-Type", "text/html")
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Close = true
	return resp
}

// Reject 对所有请求都返回 status 的错误页面. 用作不做正向代理时最内层的 Service.
func Reject(status int) Service {
	return Func(func(_ context.Context, req *http.Request) (*http.Response, error) {
		return ErrorResponse(req, status), nil
	})
}

// writeResponseHead 只写状态行与头部. 用于 101 与 CONNECT 的 2xx, 这两种响应不可以带 Content-Length.
func writeResponseHead(w io.Writer, resp *http.Response) error {
	status := resp.Status
	if status == "" {
		status = strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode)
	}
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(status)
	buf.WriteString("\r\n")
	resp.Header.Write(&buf)
	buf.WriteString("\r\n")
	_, err := w.Write(buf.Bytes())
	return err
}
