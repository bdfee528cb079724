// Command stgen-status queries a running stgen status API.
package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/spf13/pflag"
)

var endpoints = map[string]string{
	"summary":  "/api/v1/summary",
	"sessions": "/api/v1/sessions",
	"qos":      "/api/v1/qos",
	"runs":     "/api/v1/runs",
	"health":   "/health",
	"ready":    "/ready",
	"version":  "/version",
}

type options struct {
	addr     string
	endpoint string
	http3    bool
	insecure bool
	headers  bool
	timeout  time.Duration
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var opts options
	fs := pflag.NewFlagSet("stgen-status", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.addr, "addr", "a", "http://localhost:8080", "Status API base URL")
	fs.StringVarP(&opts.endpoint, "endpoint", "e", "summary", "summary, sessions, qos, runs, health, ready, version or a path")
	fs.BoolVar(&opts.http3, "http3", false, "Use HTTP/3 (requires an https:// address)")
	fs.BoolVarP(&opts.insecure, "insecure", "k", false, "Skip TLS certificate verification")
	fs.BoolVar(&opts.headers, "headers", false, "Print response status and headers")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return 2
	}

	client, closeClient := newClient(opts)
	defer closeClient()

	if err := query(client, opts, stdout); err != nil {
		fmt.Fprintf(stderr, "stgen-status: %v\n", err)
		return 1
	}
	return 0
}

func newClient(opts options) (*http.Client, func()) {
	tlsConf := &tls.Config{InsecureSkipVerify: opts.insecure}

	if opts.http3 {
		rt := &http3.RoundTripper{TLSClientConfig: tlsConf}
		return &http.Client{Transport: rt, Timeout: opts.timeout}, func() { _ = rt.Close() }
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tlsConf
	return &http.Client{Transport: tr, Timeout: opts.timeout}, tr.CloseIdleConnections
}

func resolveURL(addr, endpoint string) string {
	path, ok := endpoints[endpoint]
	if !ok {
		path = endpoint
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	return strings.TrimRight(addr, "/") + path
}

func query(client *http.Client, opts options, w io.Writer) error {
	url := resolveURL(opts.addr, opts.endpoint)

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if opts.headers {
		fmt.Fprintf(w, "Status: %s\n", resp.Status)
		fmt.Fprintf(w, "Protocol: %s\n", resp.Proto)
		for k, v := range resp.Header {
			fmt.Fprintf(w, "  %s: %v\n", k, v)
		}
		fmt.Fprintln(w)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		pretty.WriteByte('\n')
		_, _ = pretty.WriteTo(w)
	} else {
		_, _ = w.Write(body)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s returned %s", url, resp.Status)
	}
	return nil
}
