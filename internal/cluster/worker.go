package cluster

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
)

// listenerFd is where a worker finds the socket inherited from the primary.
const listenerFd = 3

const probeHealthCheck = "health_check"

type probeRequest struct {
	Type string `json:"type"`
}

type MemoryStats struct {
	HeapAlloc uint64 `json:"heapAlloc"`
	Sys       uint64 `json:"sys"`
	NumGC     uint32 `json:"numGC"`
}

type ProbeResult struct {
	Status string      `json:"status"`
	Pid    int         `json:"pid"`
	Memory MemoryStats `json:"memory"`
}

// ServeProbes answers health checks read from r, one JSON object per line,
// until r is closed.
func ServeProbes(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		var req probeRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if req.Type != probeHealthCheck {
			continue
		}

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		res := ProbeResult{
			Status: "healthy",
			Pid:    os.Getpid(),
			Memory: MemoryStats{HeapAlloc: ms.HeapAlloc, Sys: ms.Sys, NumGC: ms.NumGC},
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// InheritedListener returns the listening socket passed down by the primary.
func InheritedListener() (net.Listener, error) {
	f := os.NewFile(listenerFd, "listener")
	if f == nil {
		return nil, fmt.Errorf("no listener on fd %d", listenerFd)
	}
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("inherit listener: %w", err)
	}
	return ln, nil
}

// ListenerFile returns a dup of ln's socket suitable for handing to workers.
func ListenerFile(ln net.Listener) (*os.File, error) {
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("unsupported listener type %T", ln)
	}
	return tcp.File()
}
