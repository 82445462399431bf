package aho

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

//////
// Const, vars, types.
//////

// subprocessWaitDelay bounds how long a killed child may keep its pipes open.
const subprocessWaitDelay = 2 * time.Second

var errNoOutput = errors.New("no output")

// maxStderrTail is how much of the child's stderr ends up in a failure reason.
const maxStderrTail = 512

// subprocessRequest is written on the child's stdin. Kinds disambiguates
// numbers, since JSON does not distinguish 2 from 2.0.
type subprocessRequest struct {
	JobID  JobID             `json:"job_id"`
	Config map[string]any    `json:"config"`
	Kinds  map[string]string `json:"kinds"`
}

// subprocessResponse is the last non-empty line of the child's stdout. A bare
// number is accepted too, as is a string starting with "F" which reports a
// failure.
type subprocessResponse struct {
	Objective *float64       `json:"objective"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// subprocessPool runs the configured command once per job. The job's
// configuration is written as JSON on stdin and the objective is read from
// stdout. Timeouts and shutdown kill the child.
type subprocessPool struct {
	command []string
	dir     string
	env     []string
	timeout time.Duration
	sem     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSubprocessPool(_ RunFunc, opts EvaluatorOptions) (WorkerPool, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("subprocess transport needs a command")
	}

	if opts.NumWorkers < 1 {
		return nil, fmt.Errorf("subprocess transport needs num_workers >= 1, got %d", opts.NumWorkers)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &subprocessPool{
		command: append([]string(nil), opts.Command...),
		dir:     opts.Dir,
		env:     append(os.Environ(), opts.Env...),
		timeout: opts.JobTimeout,
		sem:     make(chan struct{}, opts.NumWorkers),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

//////
// Methods.
//////

func (p *subprocessPool) NumWorkers() int { return cap(p.sem) }

func (p *subprocessPool) AcquireCapacity() bool {
	return p.ctx.Err() == nil && len(p.sem) < cap(p.sem)
}

func (p *subprocessPool) Dispatch(req Request, done chan<- Outcome) {
	if p.ctx.Err() != nil {
		now := time.Now()
		done <- Outcome{ID: req.ID, Err: fmt.Errorf("%w: pool shut down", ErrJobCancelled), Start: now, End: now}

		return
	}

	select {
	case p.sem <- struct{}{}:
	default:
		now := time.Now()
		done <- Outcome{ID: req.ID, Err: fmt.Errorf("%w: %w", ErrJobFailed, ErrCapacityExceeded), Start: now, End: now}

		return
	}

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		out := p.execute(req)

		<-p.sem
		done <- out
	}()
}

func (p *subprocessPool) execute(req Request) Outcome {
	ctx, cancel := jobContext(p.ctx, p.timeout)
	defer cancel()

	out := Outcome{ID: req.ID, Start: time.Now()}

	payload, err := json.Marshal(newSubprocessRequest(req))
	if err != nil {
		out.Err = fmt.Errorf("%w: encode config: %w", ErrJobFailed, err)
		out.End = time.Now()

		return out
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	cmd.Dir = p.dir
	cmd.Env = p.env
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = subprocessWaitDelay

	runErr := cmd.Run()

	res, parseErr := parseSubprocessOutput(stdout.Bytes())

	switch {
	case ctx.Err() != nil:
		out.Err = classify(p.ctx, ctx, ctx.Err())
	case errors.Is(parseErr, errNoOutput) && runErr != nil:
		out.Err = fmt.Errorf("%w: %w%s", ErrJobFailed, runErr, stderrTail(stderr.Bytes()))
	case parseErr != nil:
		out.Err = parseErr
	default:
		out.Result = res
	}

	out.End = time.Now()

	return out
}

func (p *subprocessPool) Shutdown(ctx context.Context) error {
	p.cancel()

	waited := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: subprocesses did not exit", ErrWorkersAbandoned)
	}
}

//////
// Wire format.
//////

func newSubprocessRequest(req Request) subprocessRequest {
	kinds := make(map[string]string, len(req.Config))
	for k, v := range req.Config {
		switch v.(type) {
		case int:
			kinds[k] = KindInt.String()
		case float64:
			kinds[k] = KindFloat.String()
		default:
			kinds[k] = KindCategorical.String()
		}
	}

	return subprocessRequest{JobID: req.ID, Config: req.Config, Kinds: kinds}
}

func (r subprocessRequest) config() (Config, error) {
	cfg := make(Config, len(r.Config))
	for k, v := range r.Config {
		switch r.Kinds[k] {
		case KindInt.String():
			f, ok := v.(float64)
			if !ok || f != math.Trunc(f) {
				return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidConfiguration, k)
			}

			cfg[k] = int(f)
		case KindFloat.String():
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidConfiguration, k)
			}

			cfg[k] = f
		default:
			cfg[k] = v
		}
	}

	return cfg, nil
}

func parseSubprocessOutput(stdout []byte) (Result, error) {
	line := lastLine(stdout)
	if line == "" {
		return Result{}, fmt.Errorf("%w: %w", ErrJobFailed, errNoOutput)
	}

	if strings.HasPrefix(line, "F") {
		return Result{}, fmt.Errorf("%w: %s", ErrJobFailed, line)
	}

	if v, err := strconv.ParseFloat(line, 64); err == nil {
		return ObjectiveOnly(v), nil
	}

	var resp subprocessResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return Result{}, fmt.Errorf("%w: unparsable output %q", ErrJobFailed, line)
	}

	if resp.Error != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrJobFailed, resp.Error)
	}

	if resp.Objective == nil {
		return Result{}, fmt.Errorf("%w: output has no objective", ErrJobFailed)
	}

	return Result{Objective: *resp.Objective, Metadata: resp.Metadata}, nil
}

func lastLine(b []byte) string {
	var last string

	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			last = l
		}
	}

	return last
}

func stderrTail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return ""
	}

	if len(b) > maxStderrTail {
		b = b[len(b)-maxStderrTail:]
	}

	return ": " + string(b)
}

//////
// Child side.
//////

// ServeSubprocess is the child side of the subprocess transport: it reads one
// request from r, runs it and writes the response line on w. The returned
// error is the black-box function's error, already reported on w.
//
// Usage example, as the main of the evaluated program:
//
//	func main() {
//	    if err := aho.ServeSubprocess(context.Background(), run, os.Stdin, os.Stdout); err != nil {
//	        os.Exit(1)
//	    }
//	}
func ServeSubprocess(ctx context.Context, run RunFunc, r io.Reader, w io.Writer) error {
	var req subprocessRequest

	dec := json.NewDecoder(r)
	if err := dec.Decode(&req); err != nil {
		return writeResponse(w, subprocessResponse{Error: fmt.Sprintf("decode request: %v", err)}, err)
	}

	cfg, err := req.config()
	if err != nil {
		return writeResponse(w, subprocessResponse{Error: err.Error()}, err)
	}

	res, err := safeRun(ctx, run, cfg)
	if err != nil {
		reason := strings.TrimPrefix(err.Error(), ErrJobFailed.Error()+": ")

		return writeResponse(w, subprocessResponse{Error: reason}, err)
	}

	if math.IsNaN(res.Objective) || math.IsInf(res.Objective, 0) {
		err := fmt.Errorf("non-finite objective %v", res.Objective)

		return writeResponse(w, subprocessResponse{Error: err.Error()}, err)
	}

	return writeResponse(w, subprocessResponse{Objective: &res.Objective, Metadata: res.Metadata}, nil)
}

func writeResponse(w io.Writer, resp subprocessResponse, runErr error) error {
	line, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
		return fmt.Errorf("write response: %w", err)
	}

	return runErr
}
