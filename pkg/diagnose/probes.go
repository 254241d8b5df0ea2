// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package diagnose

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/halcyon-journal/modelfetch/pkg/modelfetch"
)

const probeUserAgent = "modelfetch-diagnose/1"

// probeInternet checks general internet reachability.
func (r *Runner) probeInternet(ctx context.Context) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.InternetURL, nil)
	if err != nil {
		return Result{Status: StatusFailed, Message: err.Error()}
	}
	req.Header.Set("User-Agent", probeUserAgent)
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Result{
			Status:   StatusFailed,
			Message:  fmt.Sprintf("no internet connection: %v", err),
			Solution: "Check your network connection and try again.",
		}
	}
	resp.Body.Close()
	return Result{Status: StatusPassed, Message: "internet connection is working"}
}

// probeHost checks that the model host answers at all. Any HTTP response,
// including an error status, proves reachability.
func (r *Runner) probeHost(ctx context.Context) Result {
	if r.cfg.Endpoint == "" {
		return Result{Status: StatusWarning, Message: "no model host configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.cfg.Endpoint, nil)
	if err != nil {
		return Result{Status: StatusFailed, Message: err.Error()}
	}
	req.Header.Set("User-Agent", probeUserAgent)
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Result{
			Status:   StatusFailed,
			Message:  fmt.Sprintf("model host is unreachable: %v", err),
			Solution: "The host may be blocked on your network. Try a different network or a VPN.",
		}
	}
	resp.Body.Close()
	return Result{Status: StatusPassed, Message: "model host is reachable"}
}

// probeModelFile classifies a HEAD request against one model file.
// 200/206 means the file is downloadable, 401/403 means credentials are
// required, anything else is a host-side problem.
func (r *Runner) probeModelFile(ctx context.Context) Result {
	if r.cfg.ModelURL == "" {
		return Result{Status: StatusWarning, Message: "no model file URL configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.cfg.ModelURL, nil)
	if err != nil {
		return Result{Status: StatusFailed, Message: err.Error()}
	}
	req.Header.Set("User-Agent", probeUserAgent)
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Result{Status: StatusFailed, Message: fmt.Sprintf("model file check failed: %v", err)}
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		return Result{Status: StatusPassed, Message: "model file is downloadable"}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{
			Status:   StatusFailed,
			Message:  fmt.Sprintf("model host requires authentication (status %d)", resp.StatusCode),
			Solution: "Provide an access token in the settings, then retry the download.",
		}
	case resp.StatusCode == http.StatusNotFound:
		return Result{
			Status:   StatusFailed,
			Message:  "model file not found on the host",
			Solution: "The manifest may be outdated. Update the app or the manifest file.",
		}
	default:
		return Result{
			Status:  StatusWarning,
			Message: fmt.Sprintf("unexpected response from model host: %s", resp.Status),
		}
	}
}

// probeDisk verifies the free space safety margin on the model volume.
func (r *Runner) probeDisk(ctx context.Context) Result {
	dir := nearestExistingDir(r.cfg.ModelDir)
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return Result{Status: StatusWarning, Message: fmt.Sprintf("could not inspect disk usage: %v", err)}
	}
	free := int64(usage.Free)
	switch {
	case free < r.cfg.MinFreeBytes:
		return Result{
			Status:   StatusFailed,
			Message:  fmt.Sprintf("only %s free on %s", modelfetch.HumanBytes(free), dir),
			Solution: fmt.Sprintf("Free at least %s of disk space before downloading.", modelfetch.HumanBytes(r.cfg.MinFreeBytes)),
		}
	case free < 2*r.cfg.MinFreeBytes:
		return Result{
			Status:  StatusWarning,
			Message: fmt.Sprintf("%s free on %s; the download will fit but the disk is nearly full", modelfetch.HumanBytes(free), dir),
		}
	default:
		return Result{Status: StatusPassed, Message: fmt.Sprintf("%s free on %s", modelfetch.HumanBytes(free), dir)}
	}
}

// probeThroughput downloads the head of a sample file and measures the
// effective rate.
func (r *Runner) probeThroughput(ctx context.Context) Result {
	if r.cfg.SampleURL == "" {
		return Result{Status: StatusWarning, Message: "no sample URL configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.SampleURL, nil)
	if err != nil {
		return Result{Status: StatusFailed, Message: err.Error()}
	}
	req.Header.Set("User-Agent", probeUserAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", r.cfg.SampleLimit-1))
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}

	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Result{Status: StatusFailed, Message: fmt.Sprintf("speed test failed: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Result{Status: StatusWarning, Message: fmt.Sprintf("speed test unavailable: %s", resp.Status)}
	}

	n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, r.cfg.SampleLimit))
	elapsed := time.Since(start).Seconds()
	if n == 0 || elapsed <= 0 {
		return Result{Status: StatusWarning, Message: "speed test returned no data"}
	}
	bps := int64(float64(n) / elapsed)
	if bps < 1<<20 {
		return Result{
			Status:   StatusWarning,
			Message:  fmt.Sprintf("download speed is %s/s", modelfetch.HumanBytes(bps)),
			Solution: "At this rate the model download will take many hours. Consider a faster connection.",
		}
	}
	return Result{Status: StatusPassed, Message: fmt.Sprintf("download speed is %s/s", modelfetch.HumanBytes(bps))}
}

// probeProxy reports proxy environment variables and checks whether a
// direct connection to the model host is possible.
func (r *Runner) probeProxy(ctx context.Context) Result {
	var set []string
	for _, name := range []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "http_proxy", "https_proxy", "all_proxy"} {
		if os.Getenv(name) != "" {
			set = append(set, name)
		}
	}

	host := hostPort(r.cfg.Endpoint)
	if host == "" {
		if len(set) > 0 {
			return Result{Status: StatusWarning, Message: "proxy variables set: " + strings.Join(set, ", ")}
		}
		return Result{Status: StatusPassed, Message: "no proxy configured"}
	}

	d := net.Dialer{Timeout: r.cfg.ProbeTimeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err == nil {
		conn.Close()
		if len(set) > 0 {
			return Result{Status: StatusPassed, Message: "direct connection works; proxy variables set: " + strings.Join(set, ", ")}
		}
		return Result{Status: StatusPassed, Message: "direct connection to the model host works"}
	}
	if len(set) > 0 {
		return Result{
			Status:  StatusWarning,
			Message: fmt.Sprintf("direct connection failed (%v); traffic likely goes through a proxy (%s)", err, strings.Join(set, ", ")),
		}
	}
	return Result{
		Status:   StatusFailed,
		Message:  fmt.Sprintf("cannot connect to %s: %v", host, err),
		Solution: "A firewall may be blocking the model host. Check your network settings.",
	}
}

// --- helpers ---

// nearestExistingDir walks up from dir until it finds a directory that
// exists, so the disk probe works before the model dir is created.
func nearestExistingDir(dir string) string {
	if dir == "" {
		dir = "."
	}
	for {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

// hostPort extracts host:port from a URL, defaulting the port by scheme.
func hostPort(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "http" {
		return u.Host + ":80"
	}
	return u.Host + ":443"
}
