package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lox/neuralda/internal/field"
)

// ftpServer is a minimal passive-mode FTP server holding one file per
// path. The first busy connections are turned away with 421.
type ftpServer struct {
	t     *testing.T
	ln    net.Listener
	files map[string][]byte
	busy  atomic.Int32
	conns atomic.Int32
}

func newFTPServer(t *testing.T, files map[string][]byte) *ftpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &ftpServer{t: t, ln: ln, files: files}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *ftpServer) addr() string { return s.ln.Addr().String() }

func (s *ftpServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.conns.Add(1)
		go s.handle(conn)
	}
}

func (s *ftpServer) handle(conn net.Conn) {
	defer conn.Close()
	if s.busy.Add(-1) >= 0 {
		fmt.Fprintf(conn, "421 Too many connections\r\n")
		return
	}
	reply := func(format string, args ...any) {
		fmt.Fprintf(conn, format+"\r\n", args...)
	}
	reply("220 ready")

	var data net.Listener
	defer func() {
		if data != nil {
			data.Close()
		}
	}()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
		switch strings.ToUpper(cmd) {
		case "USER":
			reply("331 password please")
		case "PASS":
			reply("230 logged in")
		case "FEAT":
			reply("211 no features")
		case "TYPE":
			reply("200 type set")
		case "EPSV":
			if data, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
				reply("425 no data connection")
				continue
			}
			reply("229 Entering Extended Passive Mode (|||%d|)", data.Addr().(*net.TCPAddr).Port)
		case "RETR":
			if data == nil {
				reply("425 use EPSV first")
				continue
			}
			dc, err := data.Accept()
			if err != nil {
				return
			}
			body, ok := s.files[arg]
			if !ok {
				dc.Close()
				reply("550 %s: no such file", arg)
				continue
			}
			reply("150 sending")
			dc.Write(body)
			dc.Close()
			reply("226 transfer complete")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func newTestFTP(addr string) *FTP {
	return NewFTP(FTPConfig{Host: addr, Root: "/era5", Timeout: 5 * time.Second, MaxElapsed: 30 * time.Second}, testGrid)
}

func TestFTPRetriesBusyServer(t *testing.T) {
	ts := time.Date(2018, 1, 1, 12, 0, 0, 0, time.UTC)
	srv := newFTPServer(t, map[string][]byte{"/era5/" + Key(ts): stateBytes(t)})
	srv.busy.Store(1)

	f, err := newTestFTP(srv.addr()).State(context.Background(), ts)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got := srv.conns.Load(); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}
	if got, want := f.At(field.ChannelIndex("z500"), 2, 3), float64(value(10, 7, 2, 3)); got != want {
		t.Errorf("z500(2,3) = %v, want %v", got, want)
	}
}

func TestFTPMissingFileIsPermanent(t *testing.T) {
	srv := newFTPServer(t, map[string][]byte{})

	_, err := newTestFTP(srv.addr()).State(context.Background(), time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if got := srv.conns.Load(); got != 1 {
		t.Errorf("connections = %d, want 1", got)
	}
}
