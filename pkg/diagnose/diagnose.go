// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package diagnose runs an independent battery of read-only probes against
// the network, the model host, and the local disk. It is used when a model
// download fails to turn "something went wrong" into an actionable finding.
//
// Probes never mutate setup state, so the battery is safe to run while a
// download is paused or cancelled.
package diagnose

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the outcome of one probe.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

// Result is the finding of a single probe.
type Result struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message"`
	Solution string        `json:"solution,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Report is the outcome of one diagnostics run.
type Report struct {
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Results  []Result  `json:"results"`
}

// Overall aggregates the probe statuses: Failed if any probe failed, else
// Warning if any warned, else Passed.
func (r Report) Overall() Status {
	overall := StatusPassed
	for _, res := range r.Results {
		switch res.Status {
		case StatusFailed:
			return StatusFailed
		case StatusWarning:
			overall = StatusWarning
		}
	}
	return overall
}

// Config parameterizes the probe battery.
type Config struct {
	// InternetURL is a lightweight endpoint used for the general
	// reachability probe. Defaults to a well-known 204 endpoint.
	InternetURL string

	// Endpoint is the model host base URL.
	Endpoint string

	// ModelURL is the URL of one model file, probed with a HEAD request to
	// classify reachability vs. authentication failures.
	ModelURL string

	// SampleURL is a small file downloaded to measure throughput. Defaults
	// to ModelURL (read capped at SampleLimit).
	SampleURL string

	// SampleLimit caps the throughput probe's read. Defaults to 2 MiB.
	SampleLimit int64

	// Token is sent as a bearer token on host probes.
	Token string

	// ModelDir is the directory checked for free disk space.
	ModelDir string

	// MinFreeBytes is the free-space safety margin. Defaults to 10 GiB.
	MinFreeBytes int64

	// ProbeTimeout bounds each individual probe. Defaults to 10s.
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.InternetURL == "" {
		c.InternetURL = "https://www.gstatic.com/generate_204"
	}
	if c.SampleURL == "" {
		c.SampleURL = c.ModelURL
	}
	if c.SampleLimit <= 0 {
		c.SampleLimit = 2 << 20
	}
	if c.MinFreeBytes <= 0 {
		c.MinFreeBytes = 10 << 30
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	return c
}

// Runner executes the probe battery.
type Runner struct {
	cfg   Config
	httpc *http.Client
}

// NewRunner creates a runner with defaults filled in.
func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg: cfg.withDefaults(),
		httpc: &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
	}
}

type probe struct {
	name string
	run  func(ctx context.Context) Result
}

// battery returns the fixed, ordered probe list.
func (r *Runner) battery() []probe {
	return []probe{
		{"internet_reachability", r.probeInternet},
		{"host_reachability", r.probeHost},
		{"model_file", r.probeModelFile},
		{"disk_space", r.probeDisk},
		{"throughput", r.probeThroughput},
		{"proxy_environment", r.probeProxy},
	}
}

// Run executes all probes and returns the report. Probes execute
// concurrently (they are independent and read-only) but onResult, when
// non-nil, receives each finding incrementally in battery order, which
// keeps progressive rendering stable.
func (r *Runner) Run(ctx context.Context, onResult func(Result)) Report {
	probes := r.battery()
	results := make([]Result, len(probes))
	ready := make([]chan struct{}, len(probes))
	for i := range ready {
		ready[i] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	report := Report{Started: time.Now()}

	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, r.cfg.ProbeTimeout)
			defer cancel()
			start := time.Now()
			res := p.run(pctx)
			res.Name = p.name
			res.Elapsed = time.Since(start)
			results[i] = res
			close(ready[i])
			return nil
		})
	}

	// Deliver in battery order as each probe lands.
	for i := range probes {
		<-ready[i]
		if onResult != nil {
			onResult(results[i])
		}
	}
	g.Wait()

	report.Finished = time.Now()
	report.Results = results
	return report
}
