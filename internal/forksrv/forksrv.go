package forksrv

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/rofl/internal/shm"
)

// argPlaceholder is substituted with the input temp file's path in the
// target's argv, the same "@@" convention afl-fuzz and its descendants use
// for targets that read their input from a named file instead of stdin.
const argPlaceholder = "@@"

// ForkServer owns one long-lived instrumented target process. The target
// is expected to cooperate with the stop/continue protocol itself: after
// each execution it raises SIGSTOP to park, and RunOn resumes it with
// SIGCONT once the next input is staged.
type ForkServer struct {
	cmd      *exec.Cmd
	shm      *shm.Region
	inpFile  *os.File
	outPath  string
	errPath  string
	childPid int
}

// SubprocessError reports an unexpected child state encountered while
// starting or driving the fork server.
type SubprocessError struct {
	Reason string
}

func (e *SubprocessError) Error() string { return e.Reason }

// New spawns path (which must be an absolute path to the instrumented
// target binary) with args, substituting argPlaceholder with the input
// temp file's path, and blocks until the child reaches its first
// checkpoint stop.
func New(path string, args []string, timeout time.Duration) (*ForkServer, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("forksrv target path must be absolute, got %q", path)
	}

	region, err := shm.Create()
	if err != nil {
		return nil, fmt.Errorf("create feedback shm: %w", err)
	}
	inp, err := os.CreateTemp("", "rofl-inp-*")
	if err != nil {
		region.Close()
		return nil, fmt.Errorf("create input temp file: %w", err)
	}

	argv := make([]string, len(args))
	for i, a := range args {
		if a == argPlaceholder {
			argv[i] = inp.Name()
		} else {
			argv[i] = a
		}
	}

	outPath := inp.Name() + ".stdout"
	errPath := inp.Name() + ".stderr"

	cmd := exec.Command(path, argv...)
	cmd.Args[0] = filenameOf(path)
	cmd.Stdin = inp
	// shm is fd 3, inp is fd 4 in the child: exec.Cmd appends ExtraFiles
	// sequentially after stdin/stdout/stderr and clears O_CLOEXEC on the
	// duplicated descriptors, so no manual fcntl dance is needed here.
	cmd.ExtraFiles = []*os.File{region.File(), inp}
	cmd.Env = append(os.Environ(),
		"LD_BIND_NOW=1",
		fmt.Sprintf("ROFL_SHM_FD=%d", 3),
		fmt.Sprintf("ROFL_INP_FD=%d", 4),
		"ROFL_OUT_PATH="+outPath,
		"ROFL_ERR_PATH="+errPath,
		"ASAN_OPTIONS=exitcode=223,abort_on_erro=true",
	)

	if err := cmd.Start(); err != nil {
		inp.Close()
		os.Remove(inp.Name())
		region.Close()
		return nil, fmt.Errorf("start target: %w", err)
	}

	fs := &ForkServer{
		cmd:      cmd,
		shm:      region,
		inpFile:  inp,
		outPath:  outPath,
		errPath:  errPath,
		childPid: cmd.Process.Pid,
	}

	reason, err := fs.wait(timeout)
	if err != nil {
		fs.teardown()
		return nil, err
	}
	switch reason.Kind {
	case Stopped:
		return fs, nil
	case Normal:
		fs.teardown()
		return nil, &SubprocessError{Reason: fmt.Sprintf("child died prematurely with exitcode %d", reason.Code)}
	case Signaled:
		if reason.Code == int32(unix.SIGSEGV) {
			fs.teardown()
			return nil, &SubprocessError{Reason: "child signaled SIGSEGV prematurely, broken instrumentation?"}
		}
		fs.teardown()
		return nil, &SubprocessError{Reason: fmt.Sprintf("child signaled %d prematurely", reason.Code)}
	default:
		fs.teardown()
		return nil, &SubprocessError{Reason: fmt.Sprintf("unexpected startup status: %v", reason)}
	}
}

// Shm exposes the shared coverage region for the caller to inspect after
// each RunOn.
func (fs *ForkServer) Shm() *shm.Region { return fs.shm }

// RunOn rewrites the target's input file with data, resumes the stub with
// SIGCONT, and blocks until it parks again. The stub reaps the actual
// execution itself and leaves its raw wait status in shared memory; the
// returned ExitReason is classified from that status. The stub dying
// instead of parking, or failing to write the completion magic, is a
// SubprocessError — the caller must respawn before the next RunOn.
func (fs *ForkServer) RunOn(data []byte, timeout time.Duration) (ExitReason, error) {
	if err := fs.inpFile.Truncate(0); err != nil {
		return ExitReason{}, fmt.Errorf("truncate input file: %w", err)
	}
	if _, err := fs.inpFile.Seek(0, 0); err != nil {
		return ExitReason{}, fmt.Errorf("seek input file: %w", err)
	}
	if _, err := fs.inpFile.Write(data); err != nil {
		return ExitReason{}, fmt.Errorf("write input file: %w", err)
	}
	if _, err := fs.inpFile.Seek(0, 0); err != nil {
		return ExitReason{}, fmt.Errorf("reseek input file: %w", err)
	}

	fs.shm.ClearBitmap()
	fs.shm.SetMagic(shm.MagicParentGo)

	if err := unix.Kill(fs.childPid, unix.SIGCONT); err != nil {
		return ExitReason{}, fmt.Errorf("resume target: %w", err)
	}

	reason, err := fs.wait(timeout)
	if err != nil {
		return ExitReason{}, err
	}
	if reason.Kind != Stopped || reason.Code != int32(unix.SIGSTOP) {
		fs.childPid = 0
		return ExitReason{}, &SubprocessError{Reason: fmt.Sprintf("child died on run: %s", reason)}
	}
	if got := fs.shm.Magic(); got != shm.MagicChildDone {
		return ExitReason{}, &SubprocessError{Reason: fmt.Sprintf("failed to get magic value from subprocess (got %#x)", got)}
	}
	return ExitReasonFromStatus(fs.shm.Status()), nil
}

// Alive reports whether the target is still parked and resumable.
func (fs *ForkServer) Alive() bool { return fs.childPid != 0 }

// Close tears down the target process and releases the shared resources.
func (fs *ForkServer) Close() error {
	fs.teardown()
	return fs.shm.Close()
}

func (fs *ForkServer) teardown() {
	if fs.childPid != 0 {
		unix.Kill(fs.childPid, unix.SIGKILL)
		var status unix.WaitStatus
		unix.Wait4(fs.childPid, &status, 0, nil)
		fs.childPid = 0
	}
	fs.inpFile.Close()
	os.Remove(fs.inpFile.Name())
	os.Remove(fs.outPath)
	os.Remove(fs.errPath)
}

// wait blocks on the stub reaching a stop or exit state. Per-execution
// timeouts are the target's own job (its SIGVTALRM interval timer shows
// up as a Timeouted status in shared memory); the deadline here is only a
// watchdog against a hung stub, and firing it kills this fork server for
// good.
func (fs *ForkServer) wait(timeout time.Duration) (ExitReason, error) {
	type result struct {
		status unix.WaitStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		var status unix.WaitStatus
		_, err := unix.Wait4(fs.childPid, &status, unix.WUNTRACED, nil)
		done <- result{status: status, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return ExitReason{}, fmt.Errorf("waitpid: %w", r.err)
		}
		return classifyWaitStatus(r.status), nil
	case <-time.After(timeout):
		unix.Kill(fs.childPid, unix.SIGKILL)
		<-done
		fs.childPid = 0
		return ExitReason{}, &SubprocessError{Reason: "child did not report back in time, fork server killed"}
	}
}

// filenameOf mirrors the teacher's convention of using the executable's
// basename as argv[0] rather than its full invocation path.
func filenameOf(path string) string {
	parts := strings.Split(path, string(os.PathSeparator))
	return parts[len(parts)-1]
}
