package sandbox

import (
	"os"
	"syscall"
)

// stdio is the set of pipes wiring the host to one guest instance. The
// guest ends are dup'd raw descriptors handed to the wasi system, which
// duplicates them again when it is instantiated; the host keeps the
// opposite ends as *os.File.
type stdio struct {
	stdinW  *os.File
	stdoutR *os.File
	stderrR *os.File

	guestStdin  int
	guestStdout int
	guestStderr int

	handedOff bool
}

func openStdio() (*stdio, error) {
	s := &stdio{guestStdin: -1, guestStdout: -1, guestStderr: -1}

	var err error
	if s.stdinW, s.guestStdin, err = pipeEnds(false); err != nil {
		s.Close()
		return nil, err
	}
	if s.stdoutR, s.guestStdout, err = pipeEnds(true); err != nil {
		s.Close()
		return nil, err
	}
	if s.stderrR, s.guestStderr, err = pipeEnds(true); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// pipeEnds creates a pipe, keeps one end for the host, and dups the other
// as a raw descriptor for the guest. The original guest-side *os.File is
// closed right away so the dup is the only remaining reference.
func pipeEnds(hostReads bool) (host *os.File, guest int, err error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, -1, err
	}
	hostEnd, guestEnd := w, r
	if hostReads {
		hostEnd, guestEnd = r, w
	}
	guest, err = syscall.Dup(int(guestEnd.Fd()))
	guestEnd.Close()
	if err != nil {
		hostEnd.Close()
		return nil, -1, err
	}
	syscall.CloseOnExec(guest)
	return hostEnd, guest, nil
}

// handoff closes the guest descriptors once the wasi system holds its own
// duplicates of them. Ours must go away here: a write end we keep open
// would hold the stdout and stderr pipes past the guest's exit and the
// host readers would never see EOF.
func (s *stdio) handoff() {
	if s.handedOff {
		return
	}
	for _, fd := range []int{s.guestStdin, s.guestStdout, s.guestStderr} {
		if fd >= 0 {
			syscall.Close(fd)
		}
	}
	s.handedOff = true
}

// Close releases whatever ends are still ours. Safe to call more than
// once.
func (s *stdio) Close() {
	if !s.handedOff {
		for _, fd := range []int{s.guestStdin, s.guestStdout, s.guestStderr} {
			if fd >= 0 {
				syscall.Close(fd)
			}
		}
		s.handedOff = true
	}
	for _, f := range []*os.File{s.stdinW, s.stdoutR, s.stderrR} {
		if f != nil {
			f.Close()
		}
	}
}
