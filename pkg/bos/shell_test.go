package bos

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/powerhive/minerfleet/pkg/miner"
)

type recordedRun struct {
	cmd   string
	stdin []byte
}

type fakeRunner struct {
	runs   []recordedRun
	output string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, addr netip.Addr, cmd string, stdin []byte) (string, error) {
	f.runs = append(f.runs, recordedRun{cmd: cmd, stdin: stdin})
	return f.output, f.err
}

var addr = netip.MustParseAddr("10.0.0.5")

func TestShellCommands(t *testing.T) {
	tests := []struct {
		name    string
		call    func(*Shell) error
		wantCmd string
	}{
		{
			name:    "read config",
			call:    func(s *Shell) error { _, err := s.ReadConfig(context.Background(), addr); return err },
			wantCmd: "cat /etc/bosminer.toml",
		},
		{
			name:    "write config",
			call:    func(s *Shell) error { return s.WriteConfig(context.Background(), addr, []byte("x")) },
			wantCmd: "cat > /etc/bosminer.toml && /etc/init.d/bosminer reload",
		},
		{
			name:    "light on",
			call:    func(s *Shell) error { return s.SetFaultLight(context.Background(), addr, true) },
			wantCmd: "miner fault_light on",
		},
		{
			name:    "light off",
			call:    func(s *Shell) error { return s.SetFaultLight(context.Background(), addr, false) },
			wantCmd: "miner fault_light off",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			if err := tt.call(NewShell(runner)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(runner.runs) != 1 || runner.runs[0].cmd != tt.wantCmd {
				t.Errorf("runs = %+v, want %q", runner.runs, tt.wantCmd)
			}
		})
	}
}

func TestWriteConfigSendsStdin(t *testing.T) {
	runner := &fakeRunner{}
	if err := NewShell(runner).WriteConfig(context.Background(), addr, []byte("[format]\n")); err != nil {
		t.Fatal(err)
	}
	if string(runner.runs[0].stdin) != "[format]\n" {
		t.Errorf("stdin = %q", runner.runs[0].stdin)
	}
}

func TestExitStatusMapping(t *testing.T) {
	exit := &ExitError{Command: "x", Status: 1, Output: "invalid config"}

	runner := &fakeRunner{err: exit}
	shell := NewShell(runner)

	if err := shell.WriteConfig(context.Background(), addr, []byte("x")); !errors.Is(err, miner.ErrRejected) {
		t.Errorf("WriteConfig() error = %v, want ErrRejected", err)
	}
	if _, err := shell.ReadConfig(context.Background(), addr); !errors.Is(err, miner.ErrProtocol) {
		t.Errorf("ReadConfig() error = %v, want ErrProtocol", err)
	}
	if err := shell.SetFaultLight(context.Background(), addr, true); !errors.Is(err, miner.ErrProtocol) {
		t.Errorf("SetFaultLight() error = %v, want ErrProtocol", err)
	}
}

func TestConnectionErrorsPassThrough(t *testing.T) {
	runner := &fakeRunner{err: miner.ErrUnreachable}
	err := NewShell(runner).WriteConfig(context.Background(), addr, nil)
	if !errors.Is(err, miner.ErrUnreachable) || errors.Is(err, miner.ErrRejected) {
		t.Errorf("WriteConfig() error = %v, want bare ErrUnreachable", err)
	}
}

func TestSSHUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	runner := NewSSH(WithPort(port), WithTimeout(time.Second), WithCredentials("root", ""))
	_, err = runner.Run(context.Background(), netip.MustParseAddr("127.0.0.1"), "true", nil)
	if !errors.Is(err, miner.ErrUnreachable) {
		t.Errorf("Run() error = %v, want ErrUnreachable", err)
	}
}

func TestSSHHandshakeFailureIsUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte("not an ssh server\r\n"))
			conn.Close()
		}
	}()

	runner := NewSSH(WithPort(ln.Addr().(*net.TCPAddr).Port), WithTimeout(time.Second))
	_, err = runner.Run(context.Background(), netip.MustParseAddr("127.0.0.1"), "true", nil)
	if !errors.Is(err, miner.ErrUnreachable) {
		t.Errorf("Run() error = %v, want ErrUnreachable", err)
	}
}

func TestExitErrorMessage(t *testing.T) {
	e := &ExitError{Command: "miner fault_light on", Status: 127, Output: "miner: not found\n"}
	want := `"miner fault_light on" exited with status 127: miner: not found`
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}
