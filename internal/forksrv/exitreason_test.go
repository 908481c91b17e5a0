package forksrv

import (
	"testing"

	"golang.org/x/sys/unix"
)

// The following constructors mirror the Linux wait(2) status encoding that
// unix.WaitStatus decodes: low 7 bits carry the terminating signal (0 means
// exited normally, 0x7f means stopped), exit/stop codes live in the next
// byte up.
func exitedStatus(code int) unix.WaitStatus  { return unix.WaitStatus(code << 8) }
func signaledStatus(sig int) unix.WaitStatus { return unix.WaitStatus(sig) }
func stoppedStatus(sig int) unix.WaitStatus  { return unix.WaitStatus(0x7f | sig<<8) }

func TestClassifyWaitStatusNormal(t *testing.T) {
	r := classifyWaitStatus(exitedStatus(223))
	if r.Kind != Normal || r.Code != 223 {
		t.Fatalf("got %+v, want Normal(223)", r)
	}
	if !r.IsCrash() {
		t.Errorf("exit code 223 is the ASan catch-all and must classify as a crash")
	}
}

func TestClassifyWaitStatusSignaledIsCrash(t *testing.T) {
	r := classifyWaitStatus(signaledStatus(int(unix.SIGSEGV)))
	if r.Kind != Signaled || r.Code != int32(unix.SIGSEGV) {
		t.Fatalf("got %+v, want Signaled(SIGSEGV)", r)
	}
	if !r.IsCrash() {
		t.Errorf("a fatal signal must classify as a crash")
	}
}

func TestClassifyWaitStatusVtalrmIsTimeout(t *testing.T) {
	r := classifyWaitStatus(signaledStatus(int(unix.SIGVTALRM)))
	if r.Kind != Timeouted {
		t.Fatalf("got %+v, want Timeouted", r)
	}
	if r.IsCrash() {
		t.Errorf("a timeout must not classify as a crash")
	}
}

func TestClassifyWaitStatusStopped(t *testing.T) {
	r := classifyWaitStatus(stoppedStatus(int(unix.SIGSTOP)))
	if r.Kind != Stopped || r.Code != int32(unix.SIGSTOP) {
		t.Fatalf("got %+v, want Stopped(SIGSTOP)", r)
	}
}
