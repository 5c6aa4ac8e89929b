package agentd

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// shellSession is one shell running behind a pty. The bridge's terminal
// frames map straight onto it: input writes, output reads, resize applies
// to the pty.
type shellSession struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func startShell(shell string, cols, rows int) (*shellSession, error) {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	c := exec.Command(shell)
	c.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(c)
	if err != nil {
		return nil, err
	}
	s := &shellSession{cmd: c, ptmx: ptmx}
	if cols > 0 && rows > 0 {
		_ = s.Resize(cols, rows)
	}
	return s, nil
}

func (s *shellSession) Read(p []byte) (int, error)  { return s.ptmx.Read(p) }
func (s *shellSession) Write(p []byte) (int, error) { return s.ptmx.Write(p) }

func (s *shellSession) Resize(cols, rows int) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (s *shellSession) Close() {
	_ = s.ptmx.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
}
