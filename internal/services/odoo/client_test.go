package odoo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/kolo/xmlrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcResponse encodes v as an XML-RPC methodResponse body
func rpcResponse(t *testing.T, v interface{}) string {
	t.Helper()
	body, err := xmlrpc.EncodeMethodCall("reply", v)
	require.NoError(t, err)
	s := string(body)
	s = strings.Replace(s, "<methodCall><methodName>reply</methodName>", "<methodResponse>", 1)
	s = strings.Replace(s, "</methodCall>", "</methodResponse>", 1)
	return s
}

func rpcFault(code int, msg string) string {
	return fmt.Sprintf(`<?xml version="1.0"?><methodResponse><fault><value><struct>`+
		`<member><name>faultCode</name><value><int>%d</int></value></member>`+
		`<member><name>faultString</name><value><string>%s</string></value></member>`+
		`</struct></value></fault></methodResponse>`, code, msg)
}

type rpcHandler func(path, body string) (status int, reply string)

func newTestServer(t *testing.T, h rpcHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		status, reply := h(r.URL.Path, string(raw))
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(url string, opts ...Option) *Client {
	opts = append([]Option{WithInitialBackoff(time.Millisecond), WithTimeout(2 * time.Second)}, opts...)
	return NewClient(url, "testdb", "admin", "secret", opts...)
}

func TestAuthenticate_Success(t *testing.T) {
	srv := newTestServer(t, func(path, body string) (int, string) {
		assert.Equal(t, "/xmlrpc/2/common", path)
		assert.Contains(t, body, "<methodName>authenticate</methodName>")
		return http.StatusOK, rpcResponse(t, 7)
	})

	c := newTestClient(srv.URL)
	sess, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), sess.UID)
}

func TestAuthenticate_RejectedCredentials(t *testing.T) {
	srv := newTestServer(t, func(path, body string) (int, string) {
		return http.StatusOK, rpcResponse(t, false)
	})

	c := newTestClient(srv.URL)
	_, err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}

func TestSearch_ReauthenticatesOnAccessDenied(t *testing.T) {
	var authCalls, searchCalls int32
	srv := newTestServer(t, func(path, body string) (int, string) {
		if strings.HasSuffix(path, "/common") {
			n := atomic.AddInt32(&authCalls, 1)
			return http.StatusOK, rpcResponse(t, int(n))
		}
		if atomic.AddInt32(&searchCalls, 1) == 1 {
			return http.StatusOK, rpcFault(3, "Access Denied")
		}
		return http.StatusOK, rpcResponse(t, []interface{}{11, 12})
	})

	c := newTestClient(srv.URL)
	ids, err := c.Search(context.Background(), "product.template", []interface{}{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, ids)
	assert.Equal(t, int32(2), atomic.LoadInt32(&authCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&searchCalls))
}

func TestSearch_RetriesTransientStatus(t *testing.T) {
	var searchCalls int32
	srv := newTestServer(t, func(path, body string) (int, string) {
		if strings.HasSuffix(path, "/common") {
			return http.StatusOK, rpcResponse(t, 1)
		}
		if atomic.AddInt32(&searchCalls, 1) < 3 {
			return http.StatusServiceUnavailable, "unavailable"
		}
		return http.StatusOK, rpcResponse(t, []interface{}{5})
	})

	c := newTestClient(srv.URL, WithMaxRetries(3))
	ids, err := c.Search(context.Background(), "product.product", []interface{}{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids)
	assert.Equal(t, int32(3), atomic.LoadInt32(&searchCalls))
}

func TestSearch_GivesUpAfterMaxRetries(t *testing.T) {
	var searchCalls int32
	srv := newTestServer(t, func(path, body string) (int, string) {
		if strings.HasSuffix(path, "/common") {
			return http.StatusOK, rpcResponse(t, 1)
		}
		atomic.AddInt32(&searchCalls, 1)
		return http.StatusBadGateway, "bad gateway"
	})

	c := newTestClient(srv.URL, WithMaxRetries(2))
	_, err := c.Search(context.Background(), "product.product", []interface{}{}, 0, 0)
	require.Error(t, err)

	var transient *TransientError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, 3, transient.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&searchCalls))
}

func TestCreate_FaultIsRemoteWriteErrorAndNotRetried(t *testing.T) {
	var createCalls int32
	srv := newTestServer(t, func(path, body string) (int, string) {
		if strings.HasSuffix(path, "/common") {
			return http.StatusOK, rpcResponse(t, 1)
		}
		atomic.AddInt32(&createCalls, 1)
		return http.StatusOK, rpcFault(1, "ValidationError: name is required\nTraceback ...")
	})

	c := newTestClient(srv.URL)
	_, err := c.Create(context.Background(), "product.template", map[string]interface{}{"name": ""})
	require.Error(t, err)

	var writeErr *RemoteWriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "product.template", writeErr.Model)
	assert.Equal(t, "create", writeErr.Method)
	assert.Equal(t, 1, writeErr.Code)
	assert.Equal(t, "ValidationError: name is required", writeErr.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&createCalls))
}

func TestCreate_TimeoutIsNotReplayed(t *testing.T) {
	var createCalls int32
	srv := newTestServer(t, func(path, body string) (int, string) {
		if strings.HasSuffix(path, "/common") {
			return http.StatusOK, rpcResponse(t, 1)
		}
		// the record is stored, the reply arrives too late
		atomic.AddInt32(&createCalls, 1)
		time.Sleep(300 * time.Millisecond)
		return http.StatusOK, rpcResponse(t, 101)
	})

	c := newTestClient(srv.URL, WithTimeout(100*time.Millisecond), WithMaxRetries(3))
	_, err := c.Create(context.Background(), "product.template", map[string]interface{}{"name": "Shirt"})
	require.Error(t, err)

	var transient *TransientError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, 1, transient.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&createCalls))
}

func TestWrite_GatewayErrorIsNotReplayed(t *testing.T) {
	var writeCalls int32
	srv := newTestServer(t, func(path, body string) (int, string) {
		if strings.HasSuffix(path, "/common") {
			return http.StatusOK, rpcResponse(t, 1)
		}
		atomic.AddInt32(&writeCalls, 1)
		return http.StatusGatewayTimeout, "gateway timeout"
	})

	c := newTestClient(srv.URL, WithMaxRetries(3))
	err := c.Write(context.Background(), "product.pricelist.item", []int64{4}, map[string]interface{}{"fixed_price": 9.5})
	require.Error(t, err)

	var transient *TransientError
	assert.True(t, errors.As(err, &transient))
	assert.Equal(t, int32(1), atomic.LoadInt32(&writeCalls))
}

func TestNotSent(t *testing.T) {
	refused := &url.Error{Op: "Post", URL: "http://odoo", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
	assert.True(t, notSent(refused))
	assert.True(t, notSent(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("no such host")}))
	assert.False(t, notSent(&net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}))
	assert.False(t, notSent(context.DeadlineExceeded))
	assert.False(t, notSent(errors.New("request error: bad status code - 503")))
}

func TestSearchRead_DecodesOdooTypes(t *testing.T) {
	srv := newTestServer(t, func(path, body string) (int, string) {
		if strings.HasSuffix(path, "/common") {
			return http.StatusOK, rpcResponse(t, 1)
		}
		assert.Contains(t, body, "<string>search_read</string>")
		return http.StatusOK, rpcResponse(t, []interface{}{
			map[string]interface{}{"id": 3, "name": "Shirt", "default_code": false, "categ_id": []interface{}{4, "All / Apparel"}},
		})
	})

	type record struct {
		ID          int64      `json:"id"`
		Name        string     `json:"name"`
		DefaultCode OdooString `json:"default_code"`
		CategID     Many2One   `json:"categ_id"`
	}

	c := newTestClient(srv.URL)
	var out []record
	err := c.SearchRead(context.Background(), "product.template", []interface{}{}, []string{"name"}, 0, 0, &out)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(3), out[0].ID)
	assert.Equal(t, "", out[0].DefaultCode.String())
	assert.Equal(t, int64(4), out[0].CategID.ID)
	assert.Equal(t, "All / Apparel", out[0].CategID.Name)
}

func TestDescribeFields(t *testing.T) {
	srv := newTestServer(t, func(path, body string) (int, string) {
		if strings.HasSuffix(path, "/common") {
			return http.StatusOK, rpcResponse(t, 1)
		}
		return http.StatusOK, rpcResponse(t, map[string]interface{}{
			"type": map[string]interface{}{
				"type":      "selection",
				"string":    "Product Type",
				"required":  true,
				"selection": []interface{}{[]interface{}{"consu", "Goods"}, []interface{}{"service", "Service"}},
			},
			"name": map[string]interface{}{"type": "char", "string": "Name", "required": true, "selection": false},
		})
	})

	c := newTestClient(srv.URL)
	fields, err := c.DescribeFields(context.Background(), "product.template")
	require.NoError(t, err)
	assert.Equal(t, "type", fields["type"].Name)
	assert.Equal(t, []string{"consu", "service"}, fields["type"].Selection.Values())
	assert.Equal(t, "char", fields["name"].Type)
	assert.Empty(t, fields["name"].Selection)
}

func TestExecute_ObserverSeesCalls(t *testing.T) {
	srv := newTestServer(t, func(path, body string) (int, string) {
		if strings.HasSuffix(path, "/common") {
			return http.StatusOK, rpcResponse(t, 1)
		}
		return http.StatusOK, rpcResponse(t, true)
	})

	var seen []string
	c := newTestClient(srv.URL, WithObserver(func(model, method string, _ time.Duration, err error) {
		seen = append(seen, model+"."+method)
	}))
	require.NoError(t, c.Write(context.Background(), "product.template", []int64{1}, map[string]interface{}{"name": "x"}))
	assert.Equal(t, []string{"res.users.authenticate", "product.template.write"}, seen)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(errors.New("request error: bad status code - 503")))
	assert.False(t, isTransient(errors.New("request error: bad status code - 400")))
	assert.False(t, isTransient(errors.New("Fault(2): boom")))
	assert.False(t, isTransient(context.Canceled))
	assert.True(t, isTransient(context.DeadlineExceeded))
	assert.True(t, isTransient(io.ErrUnexpectedEOF))
}

func TestIsSessionExpired(t *testing.T) {
	assert.True(t, isSessionExpired(errors.New("Fault(3): Access Denied")))
	assert.True(t, isSessionExpired(xmlrpc.FaultError{Code: 1, String: "odoo.http.SessionExpiredException: Session expired"}))
	assert.False(t, isSessionExpired(errors.New("Fault(1): ValidationError")))
	assert.False(t, isSessionExpired(errors.New("connection reset")))
}
