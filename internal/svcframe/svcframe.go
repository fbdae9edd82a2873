// Package svcframe is the -install/-uninstall/-start/-stop/-status/-version
// command frame that wraps cmd/aioserver and cmd/ucpd, generalized from the
// Windows CNtService / Linux daemon<_CLS> split in ec_service.h and
// ec_daemon.h: a pidfile-based advisory lock stands in for the C++ side's
// fork + flock + SysV message queue handshake, since Go processes cannot
// safely fork after the runtime has started goroutines.
package svcframe

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Application is the long-running unit a Frame starts, stops and reports on.
// cmd/aioserver and cmd/ucpd each implement it over their own listener.
type Application interface {
	// Start brings the application up. It must return once listening,
	// not block for the application's lifetime.
	Start() error
	// Stop tears the application down. Safe to call after Start failed.
	Stop() error
}

// Frame is the CLI bootstrap shared by every daemon in this module, grounded
// on ec_service.h's EC_SERVICE_FRAME macro: it dispatches a fixed verb set
// and owns the pidfile that start/stop/status operate on.
type Frame struct {
	// Name identifies the daemon in usage text and the "is running" message.
	Name string
	// Version is printed for -version/-ver.
	Version string
	// PIDFile is the lock file start/stop/status all agree on.
	PIDFile string
	// New constructs the Application that the -run child (launched by
	// -start) drives.
	New func() Application
}

// Run dispatches args[0] (conventionally os.Args[1]) and returns a process
// exit code, mirroring docmd's argc/argv handling.
func (f *Frame) Run(args []string) int {
	if len(args) == 0 {
		f.usage()
		return 1
	}
	switch strings.TrimPrefix(args[0], "-") {
	case "start":
		return f.start()
	case "run":
		// Foreground entry point used internally by start's re-exec; not
		// part of the public verb set advertised in usage().
		return f.runForeground()
	case "stop":
		return f.stop()
	case "status":
		return f.status()
	case "version", "ver":
		fmt.Printf("%s %s\n", f.Name, f.Version)
		return 0
	case "install", "uninstall":
		// ec_service.h's CNtService targets the Windows SCM here; this
		// module only ships the Linux/pidfile daemon path, so these verbs
		// are accepted but documented as no-ops rather than silently
		// misbehaving.
		fmt.Printf("%s: %s is a no-op outside a Windows service host\n", f.Name, args[0])
		return 0
	default:
		f.usage()
		return 1
	}
}

func (f *Frame) usage() {
	fmt.Printf("usage: %s [-start] | [-stop] | [-status] | [-version]\n", f.Name)
	fmt.Printf("demo:\n")
	fmt.Printf("%s -start\n", f.Name)
	fmt.Printf("%s -stop\n", f.Name)
	fmt.Printf("%s -status\n", f.Name)
	fmt.Printf("%s -version\n", f.Name)
	fmt.Println()
	fmt.Printf("%s %s\n", f.Name, f.Version)
}

// lockPID mirrors cFLock::GetLockPID: 0 if unlocked, >0 the holder's pid,
// error only on an I/O failure (the C++ side's "Access Error!" case).
func lockPID(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return 0, errors.Wrap(err, "svcframe: open pidfile")
	}
	defer unix.Close(fd)

	fl := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(uintptr(fd), unix.F_GETLK, &fl); err != nil {
		return 0, errors.Wrap(err, "svcframe: fcntl getlk")
	}
	if fl.Type == unix.F_UNLCK {
		return 0, nil
	}
	return int(fl.Pid), nil
}

// start re-execs the current binary in the background with -run, the way
// ec_daemon.h forks: the parent here just launches and polls the pidfile
// instead of reading a SysV message queue, since Go has no fork-after-start.
func (f *Frame) start() int {
	pid, err := lockPID(f.PIDFile)
	if err != nil {
		fmt.Println("Access Error! Please use root account or check the pidfile path!")
		return 1
	}
	if pid > 0 {
		fmt.Printf("%s already running! pid = %d\n", f.Name, pid)
		return 0
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Printf("Start failed: %v\n", err)
		return 1
	}
	cmd := exec.Command(exe, "-run")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err == nil {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
	}
	if err := cmd.Start(); err != nil {
		fmt.Printf("Start failed: %v\n", err)
		return 1
	}
	fmt.Print("\nstart...\r")

	for i := 0; i < 30; i++ {
		time.Sleep(time.Second)
		if got, _ := lockPID(f.PIDFile); got == cmd.Process.Pid {
			fmt.Println("Start success!")
			return 0
		}
	}
	fmt.Println("Start failed! (timed out waiting for pidfile)")
	return 1
}

// runForeground is the child-side body: lock the pidfile for real, start
// the application and block until SIGTERM, exactly as daemon<_CLS>::start's
// post-fork branch does after signal(SIGTERM, exithandler).
func (f *Frame) runForeground() int {
	fd, err := unix.Open(f.PIDFile, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		fmt.Printf("Access Error! %v\n", err)
		return 1
	}
	fl := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &fl); err != nil {
		unix.Close(fd)
		fmt.Printf("lock failed: %v\n", err)
		return 1
	}
	unix.Ftruncate(fd, 0)
	unix.Pwrite(fd, []byte(strconv.Itoa(os.Getpid())+"\n"), 0)

	app := f.New()
	if err := app.Start(); err != nil {
		fmt.Printf("Start failed! %v\n", err)
		unix.Close(fd)
		return 1
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)
	<-sigc

	app.Stop()
	unix.Close(fd)
	return 0
}

// stop sends SIGTERM to the locked pid and waits up to 300s for it to
// release the lock, force-killing past that deadline, matching
// daemon<_CLS>::stop's grace period and fallback to SIGKILL.
func (f *Frame) stop() int {
	pid, err := lockPID(f.PIDFile)
	if err != nil {
		fmt.Println("Access Error! Please use root account!")
		return 1
	}
	if pid <= 0 {
		fmt.Printf("%s not running!\n", f.Name)
		return 0
	}
	fmt.Printf("stop %s... pid = %d\n", f.Name, pid)
	unix.Kill(pid, syscall.SIGTERM)
	for i := 0; i < 300; i++ {
		if got, _ := lockPID(f.PIDFile); got <= 0 {
			fmt.Printf("%s stopped gracefully!\n", f.Name)
			return 0
		}
		time.Sleep(time.Second)
	}
	unix.Kill(pid, syscall.SIGKILL)
	fmt.Printf("300 second timeout, %s was killed!\n", f.Name)
	return 0
}

// status reports whether the pidfile is currently locked.
func (f *Frame) status() int {
	pid, err := lockPID(f.PIDFile)
	if err != nil {
		fmt.Println("Access Error! Please use root account!")
		return 1
	}
	if pid <= 0 {
		fmt.Printf("%s not running!\n", f.Name)
		return 0
	}
	fmt.Printf("%s is running! pid = %d\n", f.Name, pid)
	return 0
}
