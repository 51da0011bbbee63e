package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// httpCmd calls one endpoint under /admin/v1 on a running server. The admin
// routes only answer loopback callers.
func httpCmd(name, method string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	_ = fs.Parse(args)

	status, body, err := adminRequest(&http.Client{Timeout: *timeout}, method, adminURL(*baseURL, name))
	if err != nil {
		fail(1, "request: %v", err)
	}
	fmt.Println(strings.TrimSpace(string(body)))
	if status/100 != 2 {
		os.Exit(1)
	}
}

func adminURL(base, name string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/admin/v1/" + name
}

func adminRequest(cl *http.Client, method, u string) (int, []byte, error) {
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := cl.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}
