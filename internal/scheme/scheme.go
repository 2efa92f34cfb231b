// Package scheme exposes the external status/inference endpoint client
// processes use to observe the NPU and submit work, over a Unix domain
// socket (the closest Linux analogue to the scheme/virtual-filesystem
// RPC surface described in spec.md §4.8). Two logical resources are
// served: "status" (read-only snapshot) and "infer" (privileged
// descriptor submission).
package scheme

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"vpudrv.dev/core/internal/dma"
	"vpudrv.dev/core/internal/ring"
	"vpudrv.dev/core/internal/status"
)

const (
	resourceStatus = "status"
	resourceInfer  = "infer"
)

// Server serves the status and infer resources over a Unix domain
// socket. It handles one connection at a time, matching the single-
// threaded scheduling model the rest of the driver follows: a blocking
// Accept/read here is the only suspension point in the main loop besides
// the boot sequence's own sleeps.
type Server struct {
	ln      net.Listener
	monitor *status.Monitor
	ring    *ring.Ring
	logger  *log.Logger
}

// Listen creates the Unix domain socket at path and returns a Server
// ready to Serve. Any stale socket file at path is removed first.
func Listen(path string, monitor *status.Monitor, r *ring.Ring, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("scheme: listen %s: %w", path, err)
	}
	return &Server{ln: ln, monitor: monitor, ring: r, logger: logger}, nil
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	return s.ln.Close()
}

// Serve accepts and handles connections one at a time until Close is
// called.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		s.handle(conn)
	}
}

// handle serves a single connection to completion before Serve accepts
// the next one.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	var resource string
	var opened bool
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "OPEN":
			if len(fields) != 2 {
				writeLine(conn, "ERR EINVAL")
				continue
			}
			path := strings.TrimPrefix(fields[1], "/")
			switch path {
			case resourceStatus:
				resource, opened = path, true
				writeLine(conn, "OK")
			case resourceInfer:
				if os.Geteuid() != 0 {
					writeLine(conn, "ERR EACCES")
					continue
				}
				resource, opened = path, true
				writeLine(conn, "OK")
			default:
				writeLine(conn, fmt.Sprintf("ERR ENOENT %v", unix.ENOENT))
			}
		case "READ":
			if !opened {
				writeLine(conn, "ERR EBADF")
				continue
			}
			switch resource {
			case resourceStatus:
				writeLine(conn, "OK "+s.monitor.Summary())
			case resourceInfer:
				// Result notification is out of scope beyond the shape
				// of the descriptor (spec.md §1); a READ on the infer
				// resource always fails with EINVAL. The submit outcome
				// is reported synchronously in the WRITE reply.
				writeLine(conn, "ERR EINVAL")
			}
		case "WRITE":
			if !opened || resource != resourceInfer {
				writeLine(conn, "ERR EBADF")
				continue
			}
			if len(fields) != 4 {
				writeLine(conn, "ERR EINVAL")
				continue
			}
			modelLen, err1 := strconv.Atoi(fields[1])
			inputLen, err2 := strconv.Atoi(fields[2])
			outputLen, err3 := strconv.Atoi(fields[3])
			if err1 != nil || err2 != nil || err3 != nil || modelLen < 0 || inputLen < 0 || outputLen < 0 {
				writeLine(conn, "ERR EINVAL")
				continue
			}
			jobID, err := s.submit(modelLen, inputLen, outputLen)
			if err != nil {
				s.logger.Printf("scheme: submit failed: %v", err)
				writeLine(conn, "ERR EINVAL")
				continue
			}
			writeLine(conn, fmt.Sprintf("OK %d", jobID))
		case "CLOSE":
			resource, opened = "", false
			writeLine(conn, "OK")
		case "STAT":
			if !opened {
				writeLine(conn, "ERR EBADF")
				continue
			}
			writeLine(conn, fmt.Sprintf("OK %s", resource))
		default:
			writeLine(conn, "ERR EINVAL")
		}
	}
}

func writeLine(conn net.Conn, s string) {
	fmt.Fprintf(conn, "%s\n", s)
}

// submit stages fresh model/input/output DMA buffers of the requested
// sizes and submits a descriptor referencing them. The buffers are
// intentionally leaked to the ring's lifetime rather than the
// connection's: the device may still be reading them after this request
// returns, the same ownership rule that governs the firmware buffer.
func (s *Server) submit(modelLen, inputLen, outputLen int) (uint32, error) {
	model, err := dma.New(modelLen)
	if err != nil {
		return 0, err
	}
	input, err := dma.New(inputLen)
	if err != nil {
		return 0, err
	}
	output, err := dma.New(outputLen)
	if err != nil {
		return 0, err
	}
	jobID, err := s.ring.Submit(model, input, output)
	if err != nil {
		return 0, err
	}
	s.monitor.RecordInference()
	return jobID, nil
}
