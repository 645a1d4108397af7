package cluster

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

var errProcessExited = errors.New("worker exited")

// ExecSpawner starts workers by re-executing a binary. Each worker gets the
// shared listener as fd 3 and answers probes on stdin/stdout, so workers
// must log to stderr.
type ExecSpawner struct {
	Path     string
	Args     []string
	Env      []string
	Listener *os.File
}

func (s *ExecSpawner) Spawn(slot int) (Process, error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("HUDDLE_WORKER_SLOT=%d", slot))
	cmd.Stderr = os.Stderr
	if s.Listener != nil {
		cmd.ExtraFiles = []*os.File{s.Listener}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{
		cmd:     cmd,
		stdin:   stdin,
		replies: make(chan ProbeResult, 1),
		exited:  make(chan struct{}),
	}

	readDone := make(chan struct{})
	go p.readReplies(stdout, readDone)
	go func() {
		<-readDone
		p.err = cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	replies chan ProbeResult
	exited  chan struct{}
	err     error

	probeMu sync.Mutex
}

func (p *execProcess) readReplies(r io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var res ProbeResult
		if err := json.Unmarshal(scanner.Bytes(), &res); err != nil {
			continue
		}
		select {
		case p.replies <- res:
		default:
		}
	}
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	<-p.exited
	return p.err
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Probe(ctx context.Context) (ProbeResult, error) {
	p.probeMu.Lock()
	defer p.probeMu.Unlock()

	// drop a late reply to an earlier probe
	select {
	case <-p.replies:
	default:
	}

	req, err := json.Marshal(probeRequest{Type: probeHealthCheck})
	if err != nil {
		return ProbeResult{}, err
	}
	if _, err := p.stdin.Write(append(req, '\n')); err != nil {
		return ProbeResult{}, fmt.Errorf("send probe: %w", err)
	}

	select {
	case res := <-p.replies:
		return res, nil
	case <-p.exited:
		return ProbeResult{}, errProcessExited
	case <-ctx.Done():
		return ProbeResult{}, ctx.Err()
	}
}
